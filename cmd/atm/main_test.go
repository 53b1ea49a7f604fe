package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/atm/internal/config"
	"github.com/loykin/atm/internal/pidfile"
	"github.com/loykin/atm/internal/store"
	"github.com/loykin/atm/internal/supervisor"
)

// childEnv makes the test binary behave as the atm binary, so the launcher
// can re-execute it as a worker or server.
const childEnv = "ATM_CMD_TEST_CHILD"

func TestMain(m *testing.M) {
	if os.Getenv(childEnv) != "" {
		root := buildRoot(os.Stdout, os.Stderr)
		root.SetArgs(os.Args[1:])
		if err := root.ExecuteContext(context.Background()); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := buildRoot(&out, &errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	if err != nil {
		t.Logf("atm %s: %v\nstderr: %s", strings.Join(args, " "), err, errOut.String())
	}
	return out.String(), err
}

// writeConfig writes a config rooted in a temp dir and returns its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "atm.toml")
	body := fmt.Sprintf(`root_dir = %q

[worker]
poll_interval = "100ms"

[supervisor]
stop_grace = "5s"
ready_timeout = "20s"

[log]
no_color = true
`, dir)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestWorkFlags_WithDefaults(t *testing.T) {
	cfg := config.WorkerConfig{ChooseRandomly: true, SaveFiles: true, TotalTime: time.Hour, Dataruns: []int64{7}, Wait: true}

	got := WorkFlags{}.withDefaults(cfg)
	assert.True(t, got.ChooseRandomly)
	assert.False(t, got.NoSave)
	assert.Equal(t, time.Hour, got.TotalTime)
	assert.Equal(t, []int64{7}, got.Dataruns)
	assert.True(t, got.Wait)

	explicitFlags := WorkFlags{
		NoSave:   true,
		Dataruns: []int64{1, 2},
		Set:      map[string]bool{"choose-randomly": true, "no-save": true, "dataruns": true, "wait": true},
	}
	got = explicitFlags.withDefaults(cfg)
	assert.False(t, got.ChooseRandomly)
	assert.True(t, got.NoSave)
	assert.Equal(t, time.Hour, got.TotalTime)
	assert.Equal(t, []int64{1, 2}, got.Dataruns)
	assert.False(t, got.Wait)
}

func TestWorkerArgs(t *testing.T) {
	w := WorkFlags{ChooseRandomly: true, TotalTime: 90 * time.Second, Dataruns: []int64{3, 4}, Wait: true}
	args := workerArgs("/etc/atm.toml", "sqlite:///tmp/atm.db", 2, w)
	require.NotEmpty(t, args)
	assert.Equal(t, "atm-worker", args[0])
	assert.Equal(t, []string{
		"atm-worker", "--index", "2", "--data-store", "sqlite:///tmp/atm.db",
		"--config", "/etc/atm.toml",
		"--choose-randomly=true", "--no-save=false", "--time=1m30s", "--wait=true",
		"--dataruns=3,4",
	}, args)

	noConfig := workerArgs("", "sqlite:///x.db", 0, WorkFlags{})
	assert.NotContains(t, noConfig, "--config")
	for _, a := range noConfig {
		assert.False(t, strings.HasPrefix(a, "--dataruns"), "empty subset must not be passed: %v", noConfig)
	}
}

func TestServerArgs(t *testing.T) {
	args := serverArgs("", supervisor.ServerArgs{Host: "0.0.0.0", Port: 9000, DataStore: "postgres://db/atm"})
	assert.Equal(t, []string{"atm-server", "--host", "0.0.0.0", "--port", "9000", "--data-store", "postgres://db/atm"}, args)
}

func TestWorkerChildFlagsRoundTrip(t *testing.T) {
	w := WorkFlags{NoSave: true, TotalTime: time.Minute, Dataruns: []int64{5}}
	args := workerArgs("", "sqlite:///tmp/atm.db", 1, w)

	root := buildRoot(&bytes.Buffer{}, &bytes.Buffer{})
	cmd, rest, err := root.Find(args)
	require.NoError(t, err)
	require.NoError(t, cmd.ParseFlags(rest))
	assert.Equal(t, "atm-worker", cmd.Name())

	index, err := cmd.Flags().GetInt("index")
	require.NoError(t, err)
	assert.Equal(t, 1, index)
	ids, err := cmd.Flags().GetInt64Slice("dataruns")
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, ids)
	set := explicit(cmd, workFlagNames...)
	assert.Len(t, set, len(workFlagNames))
}

func TestDataStoreFor(t *testing.T) {
	cfg := &config.Config{SQL: config.SQLConfig{Dialect: "sqlite", Database: "/data/atm.db"}}

	got, err := dataStoreFor("postgres://h/db", cfg)
	require.NoError(t, err)
	assert.Equal(t, "postgres://h/db", got)

	t.Setenv(DataStoreEnv, "sqlite:///from/env.db")
	got, err = dataStoreFor("", cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite:///from/env.db", got)

	t.Setenv(DataStoreEnv, "")
	got, err = dataStoreFor("", cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite:///data/atm.db", got)
}

func TestMakeConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "atm.toml")
	out, err := run(t, "make-config", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)
	assert.FileExists(t, path)

	_, err = run(t, "make-config", "--path", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = run(t, "make-config", "--path", path, "--force")
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.Port)
}

func TestStatus_NothingRunning(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := run(t, "--config", cfgPath, "worker", "status", "--number", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "worker_0")
	assert.Contains(t, out, "worker_1")
	assert.Contains(t, out, "0 running, 0 stale removed")

	out, err = run(t, "--config", cfgPath, "worker", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No workers running.")

	out, err = run(t, "--config", cfgPath, "worker", "stop", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "No workers running.")

	out, err = run(t, "--config", cfgPath, "server", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "ATM server not running.")

	out, err = run(t, "--config", cfgPath, "server", "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "ATM server not running.")

	out, err = run(t, "--config", cfgPath, "server", "status", "--json")
	require.NoError(t, err)
	var st serverStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.False(t, st.Running)
}

func TestWorkerStop_DefaultsToOne(t *testing.T) {
	cfgPath := writeConfig(t)
	out, err := run(t, "--config", cfgPath, "worker", "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "No workers running.")

	_, err = run(t, "--config", cfgPath, "worker", "stop", "--number", "0")
	require.Error(t, err)

	_, err = run(t, "--config", cfgPath, "worker", "stop", "--all", "--number", "2")
	require.Error(t, err, "--all and --number are exclusive")
}

func TestWorkerStatus_RemovesStaleRecord(t *testing.T) {
	cfgPath := writeConfig(t)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	// far above any pid_max, so the process cannot exist
	dead := pidfile.Record{Slot: pidfile.WorkerSlot(3), PID: 99999999}
	pids := pidfile.New(cfg.PIDDir, nil)
	require.NoError(t, pids.Claim(dead))

	out, err := run(t, "--config", cfgPath, "worker", "status", "--json")
	require.NoError(t, err)
	var rows []slotStatus
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "worker_3", rows[0].Slot)
	assert.Equal(t, "stale", rows[0].State)
	assert.Equal(t, dead.PID, rows[0].PID)

	_, err = pids.Read(dead.Slot)
	assert.ErrorIs(t, err, pidfile.ErrNotFound)
}

const irisCSV = `sepal_length,sepal_width,petal_length,petal_width,class
5.1,3.5,1.4,0.2,setosa
7.0,3.2,4.7,1.4,versicolor
6.3,3.3,6.0,2.5,virginica
`

func TestEnterDataThenWork(t *testing.T) {
	cfgPath := writeConfig(t)
	csvPath := filepath.Join(filepath.Dir(cfgPath), "iris.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(irisCSV), 0o600))

	out, err := run(t, "--config", cfgPath, "enter-data", "--train", csvPath, "--methods", "knn", "--budget", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "Dataset 1 entered")

	_, err = run(t, "--config", cfgPath, "work", "--wait=false")
	require.NoError(t, err)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	dsn, err := cfg.DSN()
	require.NoError(t, err)
	db, err := store.Open(dsn)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	dr, err := db.GetDatarun(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, store.DatarunComplete, dr.Status)
	list, err := db.ListClassifiers(ctx, store.Page{})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	models, err := os.ReadDir(filepath.Join(cfg.RunDir, "models"))
	require.NoError(t, err)
	assert.Len(t, models, 3)
}

func TestEnterData_RequiresTrain(t *testing.T) {
	_, err := run(t, "--config", writeConfig(t), "enter-data")
	require.Error(t, err)
}
