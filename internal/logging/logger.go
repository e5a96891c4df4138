// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the structured logger used across the
// control plane and the agents. It wraps log/slog with a component
// convention: every subsystem gets a child logger via WithComponent so
// log lines can be filtered per subsystem.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"grimm.is/flymesh/internal/brand"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls logger construction.
type Config struct {
	Level  Level
	Format string // "text" or "json"
	Output io.Writer
	Syslog SyslogConfig
}

// DefaultConfig returns info-level text logging to stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
		Syslog: DefaultSyslogConfig(),
	}
}

// Logger is a leveled structured logger. The zero value is not usable;
// construct via New or derive from Default.
type Logger struct {
	sl *slog.Logger
}

// New builds a Logger from cfg. If syslog is enabled and reachable the
// output is duplicated there; a syslog failure falls back to the plain
// output rather than failing startup.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	if cfg.Syslog.Enabled {
		if w, err := NewSyslogWriter(cfg.Syslog); err == nil {
			out = io.MultiWriter(out, w)
		}
	}

	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Level)}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return &Logger{sl: slog.New(h)}
}

func slogLevel(l Level) slog.Level {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) Debug(msg string, args ...any) { l.sl.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.sl.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.sl.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.sl.Error(msg, args...) }

// With returns a child logger with the given key/value pairs attached
// to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{sl: l.sl.With(args...)}
}

// WithComponent tags records with the subsystem name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.With("component", name)
}

// WithError attaches err under the "error" key. Safe on nil errors.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.With("error", err.Error())
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(Config{Level: LevelInfo, Format: "text", Output: os.Stderr})
)

// Default returns the process-wide logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger. Called once at startup
// after config is loaded.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// WithComponent derives a component logger from the default logger.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }

// Tag used for syslog lines when none is configured.
var defaultTag = brand.LowerName
