package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/atm/internal/env"
	"github.com/loykin/atm/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. ATM_SERVER_PORT=9000.
const EnvPrefix = "ATM"

// Config is the TOML configuration of the atm command.
type Config struct {
	RootDir    string           `toml:"root_dir" mapstructure:"root_dir"`
	PIDDir     string           `toml:"pid_dir" mapstructure:"pid_dir"`
	RunDir     string           `toml:"run_dir" mapstructure:"run_dir"`
	Env        []string         `toml:"env" mapstructure:"env"`
	EnvFiles   []string         `toml:"env_files" mapstructure:"env_files"`
	SQL        SQLConfig        `toml:"sql" mapstructure:"sql"`
	Worker     WorkerConfig     `toml:"worker" mapstructure:"worker"`
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	Log        logger.Config    `toml:"log" mapstructure:"log"`

	// File is the path the configuration was read from, if any.
	File string `toml:"-" mapstructure:"-"`
}

// SQLConfig locates the relational data store shared by workers and the API.
type SQLConfig struct {
	Dialect  string `toml:"dialect" mapstructure:"dialect"`
	Database string `toml:"database" mapstructure:"database"`
	Host     string `toml:"host" mapstructure:"host"`
	Port     int    `toml:"port" mapstructure:"port"`
	Username string `toml:"username" mapstructure:"username"`
	Password string `toml:"password" mapstructure:"password"`
	Query    string `toml:"query" mapstructure:"query"`
}

// WorkerConfig holds defaults for `atm worker start` and `atm work`.
type WorkerConfig struct {
	Number         int           `toml:"number" mapstructure:"number"`
	ChooseRandomly bool          `toml:"choose_randomly" mapstructure:"choose_randomly"`
	SaveFiles      bool          `toml:"save_files" mapstructure:"save_files"`
	TotalTime      time.Duration `toml:"total_time" mapstructure:"total_time"`
	Dataruns       []int64       `toml:"dataruns" mapstructure:"dataruns"`
	Wait           bool          `toml:"wait" mapstructure:"wait"`
	PollInterval   time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	// Evaluator is the command that trains and scores each trial; empty
	// records unscored trials.
	Evaluator []string `toml:"evaluator" mapstructure:"evaluator"`
}

type ServerConfig struct {
	Host string `toml:"host" mapstructure:"host"`
	Port int    `toml:"port" mapstructure:"port"`
}

type SupervisorConfig struct {
	StopGrace    time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	KillGrace    time.Duration `toml:"kill_grace" mapstructure:"kill_grace"`
	ReadyTimeout time.Duration `toml:"ready_timeout" mapstructure:"ready_timeout"`
	MaxWorkers   int           `toml:"max_workers" mapstructure:"max_workers"`
}

// HistoryConfig selects an optional sink for supervision events.
type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("root_dir", defaultRoot())
	v.SetDefault("pid_dir", "")
	v.SetDefault("run_dir", "")
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})

	v.SetDefault("sql.dialect", "sqlite")
	v.SetDefault("sql.database", "atm.db")
	v.SetDefault("sql.host", "")
	v.SetDefault("sql.port", 0)
	v.SetDefault("sql.username", "")
	v.SetDefault("sql.password", "")
	v.SetDefault("sql.query", "")

	v.SetDefault("worker.number", 1)
	v.SetDefault("worker.choose_randomly", true)
	v.SetDefault("worker.save_files", true)
	v.SetDefault("worker.total_time", "0s")
	v.SetDefault("worker.dataruns", []int64{})
	v.SetDefault("worker.wait", true)
	v.SetDefault("worker.poll_interval", "5s")
	v.SetDefault("worker.evaluator", []string{})

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8000)

	v.SetDefault("supervisor.stop_grace", "10s")
	v.SetDefault("supervisor.kill_grace", "2s")
	v.SetDefault("supervisor.ready_timeout", "10s")
	v.SetDefault("supervisor.max_workers", 256)

	v.SetDefault("history.dsn", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.no_color", false)
}

func defaultRoot() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".atm")
	}
	return ".atm"
}

// Load reads path (TOML) over the built-in defaults and ATM_* environment
// variables. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.File = path
	if err := c.resolve(); err != nil {
		return nil, err
	}
	return &c, nil
}

// resolve makes every directory absolute and derives the ones left empty
// from RootDir. Paths in a config file are relative to that file.
func (c *Config) resolve() error {
	rel := ""
	if c.File != "" {
		rel = filepath.Dir(c.File)
	}
	abs := func(p string) (string, error) {
		if p == "" || filepath.IsAbs(p) {
			return p, nil
		}
		if rel != "" {
			p = filepath.Join(rel, p)
		}
		return filepath.Abs(p)
	}
	var err error
	if c.RootDir, err = abs(c.RootDir); err != nil {
		return err
	}
	derive := func(p *string, name string) error {
		if *p == "" {
			*p = filepath.Join(c.RootDir, name)
			return nil
		}
		v, err := abs(*p)
		*p = v
		return err
	}
	if err := derive(&c.PIDDir, "pids"); err != nil {
		return err
	}
	if err := derive(&c.RunDir, "run"); err != nil {
		return err
	}
	if err := derive(&c.Log.Dir, "logs"); err != nil {
		return err
	}
	for i, f := range c.EnvFiles {
		if c.EnvFiles[i], err = abs(f); err != nil {
			return err
		}
	}
	if c.isSQLite() && c.SQL.Database != ":memory:" {
		if c.SQL.Database == "" {
			c.SQL.Database = "atm.db"
		}
		if !filepath.IsAbs(c.SQL.Database) {
			base := c.RootDir
			if rel != "" {
				base = rel
			}
			c.SQL.Database, err = filepath.Abs(filepath.Join(base, c.SQL.Database))
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Config) isSQLite() bool {
	d := strings.ToLower(strings.TrimSpace(c.SQL.Dialect))
	return d == "" || d == "sqlite" || d == "sqlite3"
}

// DSN renders the data-store location handed to workers and the server.
// SQLite yields sqlite:///abs/path, PostgreSQL a postgres:// URL.
func (c *Config) DSN() (string, error) {
	s := c.SQL
	switch strings.ToLower(strings.TrimSpace(s.Dialect)) {
	case "", "sqlite", "sqlite3":
		if s.Database == "" {
			return "", errors.New("sql.database is required for sqlite")
		}
		return "sqlite://" + s.Database, nil
	case "postgres", "postgresql", "pgx":
		if s.Database == "" {
			return "", errors.New("sql.database is required for postgres")
		}
		host := s.Host
		if host == "" {
			host = "localhost"
		}
		port := s.Port
		if port == 0 {
			port = 5432
		}
		u := url.URL{
			Scheme:   "postgres",
			Host:     net.JoinHostPort(host, strconv.Itoa(port)),
			Path:     "/" + s.Database,
			RawQuery: s.Query,
		}
		if s.Username != "" {
			if s.Password != "" {
				u.User = url.UserPassword(s.Username, s.Password)
			} else {
				u.User = url.User(s.Username)
			}
		}
		return u.String(), nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", s.Dialect)
	}
}

// ChildEnv composes the environment of launched workers and servers:
// the current environment, then env_files in order, then env entries.
func (c *Config) ChildEnv() ([]string, error) {
	layers := make([][]string, 0, len(c.EnvFiles)+1)
	for _, f := range c.EnvFiles {
		kv, err := env.LoadFile(f)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", f, err)
		}
		layers = append(layers, kv)
	}
	layers = append(layers, c.Env)
	return env.Compose(os.Environ(), layers...), nil
}
