package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/loykin/atm/internal/config"
	"github.com/loykin/atm/internal/daemon"
	"github.com/loykin/atm/internal/detector"
	"github.com/loykin/atm/internal/history"
	"github.com/loykin/atm/internal/history/factory"
	"github.com/loykin/atm/internal/logger"
	"github.com/loykin/atm/internal/pidfile"
	"github.com/loykin/atm/internal/supervisor"
)

// DataStoreEnv carries the data-store location to launched children next to
// their --data-store argument.
const DataStoreEnv = "ATM_DATA_STORE"

// command binds CLI handlers to their output streams.
type command struct {
	global *GlobalFlags
	out    io.Writer
	errOut io.Writer
}

// session is everything one CLI invocation needs to supervise slots.
type session struct {
	cfg     *config.Config
	log     *slog.Logger
	dsn     string
	pids    *pidfile.Store
	checker *detector.Checker
	hist    *history.Recorder
}

// loadConfig reads --config and applies --log-level.
func (c *command) loadConfig() (*config.Config, error) {
	path := c.global.ConfigPath
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		path = abs
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if c.global.LogLevel != "" {
		cfg.Log.Level = c.global.LogLevel
	}
	return cfg, nil
}

func (c *command) open() (*session, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}
	log := logger.NewConsole(c.errOut, cfg.Log)
	checker := detector.NewChecker(nil)
	s := &session{
		cfg:     cfg,
		log:     log,
		dsn:     dsn,
		pids:    pidfile.New(cfg.PIDDir, checker.Alive),
		checker: checker,
	}
	s.hist = openHistory(cfg.History.DSN, log)
	return s, nil
}

// openHistory never fails: a broken sink only costs the audit trail.
func openHistory(dsn string, log *slog.Logger) *history.Recorder {
	if dsn == "" {
		return history.NewRecorder(nil, log)
	}
	sink, err := factory.NewSinkFromDSN(dsn)
	if err != nil {
		log.Warn("history disabled", "error", err)
		return history.NewRecorder(nil, log)
	}
	return history.NewRecorder(sink, log)
}

func (s *session) Close() error { return s.hist.Close() }

func (s *session) launcher() (*daemon.Launcher, error) {
	childEnv, err := s.cfg.ChildEnv()
	if err != nil {
		return nil, err
	}
	return &daemon.Launcher{
		Dir:          s.cfg.RunDir,
		Env:          append(childEnv, DataStoreEnv+"="+s.dsn),
		Log:          s.cfg.Log,
		ReadyTimeout: s.cfg.Supervisor.ReadyTimeout,
	}, nil
}

func (s *session) options() (supervisor.Options, error) {
	l, err := s.launcher()
	if err != nil {
		return supervisor.Options{}, err
	}
	return supervisor.Options{
		Store:     s.pids,
		Checker:   s.checker,
		Spawner:   l,
		StopGrace: s.cfg.Supervisor.StopGrace,
		KillGrace: s.cfg.Supervisor.KillGrace,
		History:   s.hist,
		Log:       s.log,
	}, nil
}

func (s *session) workers(w WorkFlags) (*supervisor.WorkerSupervisor, error) {
	o, err := s.options()
	if err != nil {
		return nil, err
	}
	args := func(idx int) []string { return workerArgs(s.cfg.File, s.dsn, idx, w) }
	return supervisor.NewWorkerSupervisor(o, args, s.cfg.Supervisor.MaxWorkers), nil
}

func (s *session) server() (*supervisor.ServerSupervisor, error) {
	o, err := s.options()
	if err != nil {
		return nil, err
	}
	args := func(a supervisor.ServerArgs) []string { return serverArgs(s.cfg.File, a) }
	return supervisor.NewServerSupervisor(o, args), nil
}

func configArgs(file string) []string {
	if file == "" {
		return nil
	}
	return []string{"--config", file}
}

// workerArgs is the command line of worker idx; the first word is the worker
// signature the liveness checker looks for.
func workerArgs(file, dsn string, idx int, w WorkFlags) []string {
	args := []string{pidfile.RoleWorker.Signature(), "--index", strconv.Itoa(idx), "--data-store", dsn}
	args = append(args, configArgs(file)...)
	return append(args, w.args()...)
}

func serverArgs(file string, a supervisor.ServerArgs) []string {
	args := []string{pidfile.RoleServer.Signature(),
		"--host", a.Host,
		"--port", strconv.Itoa(a.Port),
		"--data-store", a.DataStore,
	}
	return append(args, configArgs(file)...)
}

// dataStoreFor picks the location a child works on: the explicit flag, then
// the environment handed over by the launcher, then the config.
func dataStoreFor(flag string, cfg *config.Config) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if v := os.Getenv(DataStoreEnv); v != "" {
		return v, nil
	}
	dsn, err := cfg.DSN()
	if err != nil {
		return "", fmt.Errorf("resolve data store: %w", err)
	}
	return dsn, nil
}
