// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for shadowscope components.
//
// The logger is a thin layer over log/slog:
//
//   - Default: stderr output (text on a terminal, JSON otherwise)
//   - Optional: JSON file logging with automatic directory creation
//   - Component loggers: one child logger per analysis stage
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{Level: logging.LevelInfo, Service: "shadowscope"})
//	defer logger.Close()
//
//	archiveLog := logger.Component("archive")
//	archiveLog.Info("record stored", "address", addr)
//
// # Components
//
// Analysis stages log through their own component so operators can filter
// graph construction, influence propagation, classification, archive and
// query traffic independently. Components can be silenced through
// Config.MutedComponents without changing the global level.
//
// # Security Considerations
//
// Nothing is redacted automatically. Never log key material, passphrases
// or decrypted payloads; log addresses and counts instead.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity levels, ordered Debug < Info < Warn < Error.
type Level int

const (
	// LevelDebug adds per-node and per-pass detail.
	LevelDebug Level = iota

	// LevelInfo covers run start, archive writes and query summaries.
	LevelInfo

	// LevelWarn marks skipped records and mirror failures.
	LevelWarn

	// LevelError marks runs that produced no record.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
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

// ParseLevel converts a configuration string to a Level.
//
// Description:
//
//	Accepts "debug", "info", "warn"/"warning" and "error" in any case.
//	An empty string maps to LevelInfo.
//
// Outputs:
//
//	Level - The parsed level.
//	error - Non-nil if the string is not a known level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Format selects the stderr encoding.
type Format int

const (
	// FormatAuto picks text when stderr is a terminal and JSON otherwise.
	FormatAuto Format = iota

	// FormatText forces human-readable output.
	FormatText

	// FormatJSON forces JSON output.
	FormatJSON
)

// ParseFormat accepts "auto", "text" and "json" in any case. An empty
// string maps to FormatAuto.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FormatAuto, nil
	case "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatAuto, fmt.Errorf("unknown log format %q", s)
	}
}

// Config configures the Logger.
//
// A zero-value Config logs Info+ to stderr, choosing the format from the
// terminal type.
type Config struct {
	// Level sets the minimum log level. Default: LevelInfo.
	Level Level

	// LogDir enables JSON file logging to "{Service}_{YYYY-MM-DD}.log" in
	// this directory. Supports ~ expansion. Default: disabled.
	LogDir string

	// Service is attached to every entry as the "service" attribute.
	Service string

	// Format selects the stderr encoding. Default: FormatAuto.
	Format Format

	// Quiet suppresses console output; the log file, if any, still fills.
	Quiet bool

	// MutedComponents lists component names whose entries are dropped.
	MutedComponents []string

	// Output overrides stderr. Used by tests.
	Output io.Writer
}

// =============================================================================
// Logger
// =============================================================================

// Logger writes structured entries to the console and, optionally, a
// daily log file.
//
// Thread Safety: Safe for concurrent use. Children made by With share the
// parent's level and log file.
type Logger struct {
	slog   *slog.Logger
	config Config
	muted  map[string]bool

	// level is shared with children so SetLevel applies everywhere.
	level *slog.LevelVar

	// file and mu are shared with children.
	file *os.File
	mu   *sync.Mutex
}

// New builds a Logger from config.
//
// Description:
//
//	Entries go to config.Output (stderr by default) unless Quiet is set,
//	and additionally to a dated JSON file when LogDir is set. A log file
//	that cannot be opened is reported once on the console and skipped.
//
// Outputs:
//
//	*Logger - Ready to use. Close releases the log file.
func New(config Config) *Logger {
	level := new(slog.LevelVar)
	level.Set(config.Level.toSlogLevel())
	opts := &slog.HandlerOptions{Level: level}

	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	l := &Logger{
		config: config,
		muted:  make(map[string]bool, len(config.MutedComponents)),
		level:  level,
		mu:     &sync.Mutex{},
	}
	for _, name := range config.MutedComponents {
		l.muted[name] = true
	}

	var sinks fanout
	if !config.Quiet {
		if useJSON(config.Format, out) {
			sinks = append(sinks, slog.NewJSONHandler(out, opts))
		} else {
			sinks = append(sinks, slog.NewTextHandler(out, opts))
		}
	}
	if config.LogDir != "" {
		file, err := openLogFile(config.LogDir, config.Service)
		if err == nil {
			l.file = file
			sinks = append(sinks, slog.NewJSONHandler(file, opts))
		} else if !config.Quiet {
			fmt.Fprintf(out, "log file disabled: %v\n", err)
		}
	}

	var handler slog.Handler = sinks
	switch len(sinks) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = sinks[0]
	}
	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}
	l.slog = slog.New(handler)
	return l
}

// openLogFile opens "<dir>/<service>_<YYYY-MM-DD>.log" for appending.
func openLogFile(dir, service string) (*os.File, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if service == "" {
		service = "shadowscope"
	}
	name := service + "_" + time.Now().Format(time.DateOnly) + ".log"
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

// Default returns an Info-level stderr logger for the "shadowscope" service.
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "shadowscope"})
}

// Debug logs at Debug level.
func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

// Info logs at Info level.
func (l *Logger) Info(msg string, args ...any) { l.slog.Info(msg, args...) }

// Warn logs at Warn level.
func (l *Logger) Warn(msg string, args ...any) { l.slog.Warn(msg, args...) }

// Error logs at Error level.
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a child Logger with additional attributes.
func (l *Logger) With(args ...any) *Logger {
	child := *l
	child.slog = l.slog.With(args...)
	return &child
}

// Component returns a child logger tagged with component=name.
//
// Description:
//
//	Muted components get a logger that discards everything, so callers
//	never need to check the mute list themselves.
func (l *Logger) Component(name string) *slog.Logger {
	if l.muted[name] {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l.slog.With(slog.String("component", name))
}

// SetLevel changes the minimum level of this logger and every logger
// derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level.toSlogLevel())
}

// Slog exposes the wrapped *slog.Logger for APIs that take one.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes and closes the log file. Repeated calls return nil.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f := l.file
	if f == nil {
		return nil
	}
	l.file = nil
	return errors.Join(f.Sync(), f.Close())
}

// =============================================================================
// Fan-out Handler
// =============================================================================

// fanout delivers each record to every handler whose level admits it.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	return slices.ContainsFunc(f, func(h slog.Handler) bool { return h.Enabled(ctx, level) })
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f fanout) WithGroup(name string) slog.Handler {
	return f.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f fanout) derive(fn func(slog.Handler) slog.Handler) fanout {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = fn(h)
	}
	return out
}

// =============================================================================
// Helper Functions
// =============================================================================

// useJSON resolves FormatAuto against the destination writer.
func useJSON(format Format, out io.Writer) bool {
	switch format {
	case FormatJSON:
		return true
	case FormatText:
		return false
	}
	f, ok := out.(*os.File)
	if !ok {
		return true
	}
	fd := f.Fd()
	return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
}

// expandPath resolves a leading "~" against the home directory.
func expandPath(path string) string {
	rest, ok := strings.CutPrefix(path, "~")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}
