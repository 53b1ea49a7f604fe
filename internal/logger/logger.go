package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where a supervised process writes its logs.
// Dir holds one rotating <name>.log per slot plus the raw <name>.out
// capture of stdout/stderr. Rotation parameters follow lumberjack semantics.
type Config struct {
	Level      string `toml:"level" mapstructure:"level"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
	NoColor    bool   `toml:"no_color" mapstructure:"no_color"`
}

// FilePath returns Dir/<name>.log.
func (c Config) FilePath(name string) string {
	return filepath.Join(c.Dir, name+".log")
}

// OutputPath returns the file that receives the raw stdout/stderr of a
// daemonized process. It is a plain file so it can be handed to the child.
func (c Config) OutputPath(name string) string {
	return filepath.Join(c.Dir, name+".out")
}

// Writer returns a rotating writer for the named slot.
func (c Config) Writer(name string) io.WriteCloser {
	return &lj.Logger{
		Filename:   c.FilePath(name),
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// OpenOutput opens (appending) the raw output file for name.
func (c Config) OpenOutput(name string) (*os.File, error) {
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return nil, err
	}
	// #nosec G304
	return os.OpenFile(c.OutputPath(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

// NewConsole builds the logger used by interactive CLI invocations.
func NewConsole(w io.Writer, c Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	if c.NoColor {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(NewColorTextHandler(w, opts, false))
}

// NewFile builds a logger writing JSON lines into the rotating file of name.
// The returned closer flushes and closes the file.
func NewFile(c Config, name string) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return nil, nil, err
	}
	w := c.Writer(name)
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(c.Level)})
	return slog.New(h).With("slot", name, "pid", os.Getpid()), w, nil
}

// ParseLevel maps debug/info/warn/error to a slog level; anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
