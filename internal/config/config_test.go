package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/atm/internal/env"
)

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	root := t.TempDir()
	t.Setenv("ATM_ROOT_DIR", root)

	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.PIDDir != filepath.Join(root, "pids") || c.RunDir != filepath.Join(root, "run") || c.Log.Dir != filepath.Join(root, "logs") {
		t.Fatalf("unexpected derived dirs: %+v", c)
	}
	if c.Server.Host != "127.0.0.1" || c.Server.Port != 8000 {
		t.Fatalf("unexpected server defaults: %+v", c.Server)
	}
	if c.Supervisor.StopGrace != 10*time.Second || c.Supervisor.KillGrace != 2*time.Second || c.Supervisor.MaxWorkers != 256 {
		t.Fatalf("unexpected supervisor defaults: %+v", c.Supervisor)
	}
	if c.Worker.Number != 1 || !c.Worker.ChooseRandomly || !c.Worker.SaveFiles || c.Worker.PollInterval != 5*time.Second {
		t.Fatalf("unexpected worker defaults: %+v", c.Worker)
	}
	dsn, err := c.DSN()
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	if dsn != "sqlite://"+filepath.Join(root, "atm.db") {
		t.Fatalf("unexpected dsn %q", dsn)
	}
}

func TestLoad_FileRelativePaths(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "atm.toml")
	writeFile(t, file, `
root_dir = "state"
pid_dir = "p"
env = ["A=1"]

[sql]
database = "data/atm.db"

[worker]
number = 4
choose_randomly = false
total_time = "90s"
dataruns = [3, 5]
evaluator = ["python3", "score.py"]

[server]
port = 9001

[supervisor]
stop_grace = "500ms"

[log]
level = "debug"
`)
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.File != file {
		t.Fatalf("file not recorded: %q", c.File)
	}
	if c.RootDir != filepath.Join(dir, "state") || c.PIDDir != filepath.Join(dir, "p") || c.RunDir != filepath.Join(dir, "state", "run") {
		t.Fatalf("unexpected dirs: root=%s pid=%s run=%s", c.RootDir, c.PIDDir, c.RunDir)
	}
	if c.SQL.Database != filepath.Join(dir, "data", "atm.db") {
		t.Fatalf("sqlite path not resolved against config file: %s", c.SQL.Database)
	}
	if c.Worker.Number != 4 || c.Worker.ChooseRandomly || c.Worker.TotalTime != 90*time.Second {
		t.Fatalf("unexpected worker: %+v", c.Worker)
	}
	if len(c.Worker.Dataruns) != 2 || c.Worker.Dataruns[0] != 3 || c.Worker.Dataruns[1] != 5 {
		t.Fatalf("unexpected dataruns: %v", c.Worker.Dataruns)
	}
	if len(c.Worker.Evaluator) != 2 || c.Worker.Evaluator[1] != "score.py" {
		t.Fatalf("unexpected evaluator: %v", c.Worker.Evaluator)
	}
	if c.Server.Port != 9001 || c.Server.Host != "127.0.0.1" {
		t.Fatalf("unexpected server: %+v", c.Server)
	}
	if c.Supervisor.StopGrace != 500*time.Millisecond || c.Supervisor.KillGrace != 2*time.Second {
		t.Fatalf("unexpected supervisor: %+v", c.Supervisor)
	}
	if c.Log.Level != "debug" {
		t.Fatalf("unexpected log level %q", c.Log.Level)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("ATM_ROOT_DIR", t.TempDir())
	t.Setenv("ATM_SERVER_PORT", "9100")
	t.Setenv("ATM_SUPERVISOR_MAX_WORKERS", "8")

	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Port != 9100 {
		t.Fatalf("expected port override, got %d", c.Server.Port)
	}
	if c.Supervisor.MaxWorkers != 8 {
		t.Fatalf("expected max_workers override, got %d", c.Supervisor.MaxWorkers)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	bad := filepath.Join(dir, "bad.toml")
	writeFile(t, bad, "[server\nport = ")
	if _, err := Load(bad); err == nil {
		t.Fatalf("expected error for malformed toml")
	}
}

func TestDSN(t *testing.T) {
	cases := []struct {
		name string
		sql  SQLConfig
		want string
		err  bool
	}{
		{name: "sqlite", sql: SQLConfig{Dialect: "sqlite", Database: "/var/atm.db"}, want: "sqlite:///var/atm.db"},
		{name: "memory", sql: SQLConfig{Dialect: "sqlite3", Database: ":memory:"}, want: "sqlite://:memory:"},
		{name: "postgres defaults", sql: SQLConfig{Dialect: "postgres", Database: "atm"}, want: "postgres://localhost:5432/atm"},
		{
			name: "postgres full",
			sql:  SQLConfig{Dialect: "postgresql", Database: "atm", Host: "db", Port: 6432, Username: "u", Password: "p@ss", Query: "sslmode=disable"},
			want: "postgres://u:p%40ss@db:6432/atm?sslmode=disable",
		},
		{name: "postgres no db", sql: SQLConfig{Dialect: "postgres"}, err: true},
		{name: "unknown", sql: SQLConfig{Dialect: "mysql", Database: "x"}, err: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Config{SQL: tc.sql}
			got, err := c.DSN()
			if tc.err {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("dsn: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestChildEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "worker.env")
	writeFile(t, envFile, "# comment\nFROM_FILE=1\nSHARED=file\n")
	t.Setenv("ATM_TEST_BASE", "base")

	c := Config{
		EnvFiles: []string{envFile},
		Env:      []string{"SHARED=cfg", "DERIVED=${ATM_TEST_BASE}/x"},
	}
	got, err := c.ChildEnv()
	if err != nil {
		t.Fatalf("child env: %v", err)
	}
	want := map[string]string{
		"FROM_FILE":     "1",
		"SHARED":        "cfg",
		"DERIVED":       "base/x",
		"ATM_TEST_BASE": "base",
	}
	for k, v := range want {
		if g, ok := env.Lookup(got, k); !ok || g != v {
			t.Fatalf("%s: got %q (present=%v) want %q", k, g, ok, v)
		}
	}

	c.EnvFiles = []string{filepath.Join(dir, "nope.env")}
	if _, err := c.ChildEnv(); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}

func TestWriteTemplate_LoadsBack(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "conf", "atm.toml")
	if err := WriteTemplate(file, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(file, false); err == nil || !strings.Contains(err.Error(), "exists") {
		t.Fatalf("expected exists error, got %v", err)
	}
	if err := WriteTemplate(file, true); err != nil {
		t.Fatalf("forced write: %v", err)
	}
	t.Setenv("ATM_ROOT_DIR", dir)
	c, err := Load(file)
	if err != nil {
		t.Fatalf("template does not load: %v", err)
	}
	if c.Server.Port != 8000 || c.Supervisor.ReadyTimeout != 10*time.Second {
		t.Fatalf("template defaults differ: %+v %+v", c.Server, c.Supervisor)
	}
}
