package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for per-service output mirrors.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes optional on-disk mirrors for a supervised service's
// output. The in-memory ring buffer is always kept; when Dir is set the same
// lines are also appended to Dir/<id>.stdout.log and Dir/<id>.stderr.log with
// lumberjack rotation.
type Config struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Writers returns io.WriteClosers for a service's stdout and stderr mirrors,
// or nils when no Dir is configured.
func (c Config) Writers(id string) (io.WriteCloser, io.WriteCloser) {
	if c.Dir == "" {
		return nil, nil
	}
	mk := func(suffix string) io.WriteCloser {
		return &lj.Logger{
			Filename:   filepath.Join(c.Dir, fmt.Sprintf("%s.%s.log", id, suffix)),
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
	}
	return mk("stdout"), mk("stderr")
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// New builds the daemon's own slog.Logger. level accepts debug|info|warn|error
// (case-insensitive, default info). Colored text output goes to stderr.
func New(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	h := newLevelColorHandler(os.Stderr, &slog.HandlerOptions{Level: lv})
	return slog.New(h)
}
