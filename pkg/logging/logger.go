// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for CLI components.
//
// The gateway server logs JSON to stdout for its collector; the CLI
// follows Unix conventions instead: human output on stdout, logs on
// stderr, with an optional JSON log file per service under a
// configurable directory. Enterprise builds can mirror entries to an
// external system via the Exporter interface.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level names accepted by Config.Level.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Exporter receives log entries for delivery to an external system.
// Implementations should buffer internally; Export is called on the
// logging hot path.
type Exporter interface {
	Export(entry Entry)
	Close() error
}

// Entry is one exported log record.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Service string    `json:"service"`
	Attrs   []any     `json:"-"`
}

// Config controls logger construction. Zero values log to stderr at
// info level with no file and no exporter.
type Config struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string

	// LogDir enables file logging when set. Supports a leading ~.
	// Files are named {service}_{date}.log in JSON format.
	LogDir string

	// Service tags entries and names the log file.
	Service string

	// Exporter mirrors entries to an external sink. May be nil.
	Exporter Exporter
}

// Logger wraps slog with optional file and exporter destinations.
//
// # Thread Safety
//
// Safe for concurrent use.
type Logger struct {
	*slog.Logger

	mu       sync.Mutex
	file     *os.File
	exporter Exporter
	service  string
}

// Default returns a stderr-only logger at info level.
func Default() *Logger {
	l, _ := New(Config{})
	return l
}

// New creates a Logger from the configuration.
//
// File logging failures are not fatal: the logger falls back to
// stderr-only and reports the error so a read-only home directory
// never breaks the CLI.
func New(cfg Config) (*Logger, error) {
	if cfg.Service == "" {
		cfg.Service = "gatectl"
	}

	l := &Logger{exporter: cfg.Exporter, service: cfg.Service}
	writers := []io.Writer{os.Stderr}

	var fileErr error
	if cfg.LogDir != "" {
		f, err := openLogFile(cfg.LogDir, cfg.Service)
		if err != nil {
			fileErr = err
		} else {
			l.file = f
			writers = append(writers, f)
		}
	}

	handler := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	l.Logger = slog.New(handler).With("service", cfg.Service)

	if fileErr != nil {
		l.Warn("file logging disabled", "error", fileErr)
	}
	return l, fileErr
}

// Export sends an entry to the exporter, if any, in addition to the
// normal slog path.
func (l *Logger) Export(level, msg string, attrs ...any) {
	switch level {
	case LevelDebug:
		l.Debug(msg, attrs...)
	case LevelWarn:
		l.Warn(msg, attrs...)
	case LevelError:
		l.Error(msg, attrs...)
	default:
		l.Info(msg, attrs...)
	}

	l.mu.Lock()
	exp := l.exporter
	l.mu.Unlock()
	if exp != nil {
		exp.Export(Entry{
			Time:    time.Now(),
			Level:   level,
			Message: msg,
			Service: l.service,
			Attrs:   attrs,
		})
	}
}

// Close flushes and closes the log file and exporter.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			firstErr = err
		}
		l.file = nil
	}
	if l.exporter != nil {
		if err := l.exporter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.exporter = nil
	}
	return firstErr
}

func openLogFile(dir, service string) (*os.File, error) {
	dir = expandHome(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func expandHome(dir string) string {
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(dir, "~"))
		}
	}
	return dir
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
