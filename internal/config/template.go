package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const template = `# atm configuration
# Every key may be overridden from the environment, e.g. ATM_SERVER_PORT=9000.

# Base directory for pid files, logs and run artifacts.
# root_dir = "~/.atm"
# pid_dir = ""   # default <root_dir>/pids
# run_dir = ""   # default <root_dir>/run

# Extra environment for workers and the API server. ${VAR} is expanded.
env = []
env_files = []

[sql]
dialect = "sqlite"      # sqlite | postgres
database = "atm.db"     # file path for sqlite, database name for postgres
host = ""
port = 0
username = ""
password = ""
query = ""              # extra DSN query, e.g. "sslmode=disable"

[worker]
number = 1
choose_randomly = true
save_files = true
total_time = "0s"       # 0 runs until stopped
dataruns = []
wait = true
poll_interval = "5s"
# Program run once per trial: reads the trial as JSON on stdin and prints
# {"cv": ..., "cv_stdev": ..., "test": ...} on stdout.
# evaluator = ["python3", "evaluate.py"]

[server]
host = "127.0.0.1"
port = 8000

[supervisor]
stop_grace = "10s"
kill_grace = "2s"
ready_timeout = "10s"
max_workers = 256

[history]
# sqlite:///path/history.db, postgres://..., clickhouse://host:9000/db?table=...
dsn = ""

[log]
level = "info"
dir = ""                # default <root_dir>/logs
max_size_mb = 10
max_backups = 3
max_age_days = 7
compress = false
no_color = false
`

// Template returns a commented configuration file with the built-in defaults.
func Template() string { return template }

// WriteTemplate writes Template to path. An existing file is kept unless
// force is set.
func WriteTemplate(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
