// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for the Fablewood recovery core.
//
// Every component of the resilience subsystem logs through this package. It
// is built on the standard library slog with three extensions the recovery
// core depends on:
//
//   - Category tagging: every entry carries a category (AUTH, NETWORK,
//     LIFECYCLE, ...) so the diagnostic collector and the debug surface can
//     filter the rolling history without parsing messages.
//   - An in-memory History: a capacity-bounded, oldest-evicted ring of
//     entries backing getLogs/exportLogs/clearLogs. The history is the
//     diagnostic collector's primary input after a failure.
//   - A CRITICAL level above ERROR for conditions that feed emergency
//     recovery.
//
// Output destinations mirror the usual layering:
//
//	┌──────────────────────────────────────────────────────────┐
//	│                        Logger                            │
//	│  ┌──────────┐  ┌───────────┐  ┌─────────┐  ┌──────────┐ │
//	│  │  stderr  │  │  log file │  │ History │  │ Exporter │ │
//	│  │ (default)│  │ (optional)│  │ (always)│  │(optional)│ │
//	│  └──────────┘  └───────────┘  └─────────┘  └──────────┘ │
//	└──────────────────────────────────────────────────────────┘
//
// Basic usage:
//
//	logger := logging.New(logging.Config{Level: logging.LevelInfo, Service: "resilience"})
//	defer logger.Close()
//
//	authLog := logger.For(logging.CategoryAuth)
//	authLog.Info("session recovered", "method", "local-backup")
//
// Logging never returns an error to the caller. Internal failures are
// swallowed and surface only as a best-effort stderr line; a broken log
// pipeline must not take the recovery core down with it.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity, ordered Debug < Info < Warn < Error < Critical.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages.
	LevelInfo

	// LevelWarn is for recoverable, potentially problematic situations.
	LevelWarn

	// LevelError is for operation failures the system survives.
	LevelError

	// LevelCritical is for failures that feed the emergency recovery path.
	// Entries at this level capture a stack trace into the history.
	LevelCritical
)

// slogLevelCritical sits above slog.LevelError; slog has no native tier for it.
const slogLevelCritical = slog.Level(12)

// String returns "DEBUG", "INFO", "WARN", "ERROR", "CRITICAL" or "UNKNOWN".
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
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a config string to a Level. Unknown values map to Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "critical":
		return LevelCritical
	default:
		return LevelInfo
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	case LevelCritical:
		return slogLevelCritical
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Categories
// =============================================================================

// Category is a free-form tag grouping related log entries. The recovery
// core uses a fixed set so the history can be filtered per subsystem.
type Category string

const (
	CategoryAuth        Category = "AUTH"
	CategoryNetwork     Category = "NETWORK"
	CategoryLifecycle   Category = "LIFECYCLE"
	CategoryStorage     Category = "STORAGE"
	CategoryHealth      Category = "HEALTH"
	CategoryRecovery    Category = "RECOVERY"
	CategoryDiagnostics Category = "DIAGNOSTICS"
	CategoryContainer   Category = "CONTAINER"
	CategorySync        Category = "SYNC"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures Logger behavior. A zero-value Config creates a logger
// that writes Info+ text to stderr with a default-capacity history.
type Config struct {
	// Level sets the minimum level; messages below it are discarded
	// from stderr/file output. The history keeps everything at or above
	// LevelDebug regardless, so diagnostics can see suppressed detail.
	Level Level

	// LogDir enables file logging to the given directory. Files are named
	// "{Service}_{YYYY-MM-DD}.log" in JSON. Supports ~ expansion.
	LogDir string

	// Service is included in every entry as the "service" attribute.
	Service string

	// JSON switches stderr output to JSON. File output is always JSON.
	JSON bool

	// Quiet disables stderr output. File and history still receive entries.
	Quiet bool

	// History receives every entry. When nil, New creates one with
	// DefaultHistoryCapacity.
	History *History

	// Exporter is an optional extension point for forwarding entries to an
	// external system. Export failures are silently ignored.
	Exporter LogExporter
}

// =============================================================================
// Exporter Extension
// =============================================================================

// LogExporter forwards entries to an external destination (aggregator,
// crash reporter). Implementations must buffer internally; Export is called
// asynchronously on every entry.
type LogExporter interface {
	// Export sends one entry. Called with a short-timeout context.
	Export(ctx context.Context, entry Entry) error

	// Flush sends all buffered entries; called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources; called after Flush.
	Close() error
}

// =============================================================================
// Logger
// =============================================================================

// Logger provides structured, category-tagged logging with multi-destination
// output and a bounded in-memory history.
//
// # Thread Safety
//
// Logger is safe for concurrent use. The underlying slog.Logger is
// thread-safe and the history is mutex-guarded.
type Logger struct {
	slog     *slog.Logger
	config   Config
	category Category
	history  *History
	file     *os.File
	exporter LogExporter
	level    *slog.LevelVar
	mu       sync.Mutex
}

// New creates a Logger from config. Destinations that fail to initialize
// (unwritable log dir) are skipped rather than reported; the logger always
// comes up.
func New(config Config) *Logger {
	level := new(slog.LevelVar)
	level.Set(config.Level.toSlogLevel())

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// slog renders our critical tier as "ERROR+4" without this.
			if a.Key == slog.LevelKey {
				if lv, ok := a.Value.Any().(slog.Level); ok && lv >= slogLevelCritical {
					a.Value = slog.StringValue("CRITICAL")
				}
			}
			return a
		},
	}

	var handlers []slog.Handler
	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	history := config.History
	if history == nil {
		history = NewHistory(DefaultHistoryCapacity)
	}

	logger := &Logger{
		config:   config,
		history:  history,
		exporter: config.Exporter,
		level:    level,
	}

	if config.LogDir != "" {
		logDir := expandPath(config.LogDir)
		if err := os.MkdirAll(logDir, 0750); err == nil {
			serviceName := config.Service
			if serviceName == "" {
				serviceName = "resilience"
			}
			filename := fmt.Sprintf("%s_%s.log", serviceName, time.Now().Format("2006-01-02"))
			file, err := os.OpenFile(filepath.Join(logDir, filename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
			if err == nil {
				logger.file = file
				handlers = append(handlers, slog.NewJSONHandler(file, opts))
			}
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		// Quiet with no file: slog output is discarded, history still records.
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns an Info-level stderr logger for the "resilience" service.
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "resilience"})
}

// Debug logs at Debug level.
func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }

// Info logs at Info level.
func (l *Logger) Info(msg string, args ...any) { l.log(LevelInfo, msg, args...) }

// Warn logs at Warn level.
func (l *Logger) Warn(msg string, args ...any) { l.log(LevelWarn, msg, args...) }

// Error logs at Error level.
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }

// Critical logs at Critical level and records a stack trace in the history.
func (l *Logger) Critical(msg string, args ...any) { l.log(LevelCritical, msg, args...) }

// For returns a child logger bound to the given category. All entries from
// the child carry the category both as an slog attribute and in the history.
func (l *Logger) For(category Category) *Logger {
	child := l.withSlog(l.slog.With("category", string(category)))
	child.category = category
	return child
}

// With returns a child logger carrying additional attributes.
func (l *Logger) With(args ...any) *Logger {
	return l.withSlog(l.slog.With(args...))
}

// SetLevel changes the minimum output level at runtime. The level is shared
// with all child loggers. History recording is unaffected.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level.toSlogLevel())
}

func (l *Logger) withSlog(s *slog.Logger) *Logger {
	return &Logger{
		slog:     s,
		config:   l.config,
		category: l.category,
		history:  l.history,  // shared
		file:     l.file,     // shared handle
		exporter: l.exporter, // shared
		level:    l.level,    // shared
	}
}

// History returns the logger's entry history.
func (l *Logger) History() *History {
	return l.history
}

// Slog returns the underlying slog.Logger for integrations that want one
// (the badger store adapter, gin middleware).
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes the exporter and closes the log file. Safe to call on a
// logger without either.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush exporter: %w", err))
		}
		if err := l.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
	}
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// log writes to all destinations. It never panics out to the caller; a
// failing destination degrades to a stderr note.
func (l *Logger) log(level Level, msg string, args ...any) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "logging failure (recovered): %v\n", r)
		}
	}()

	switch level {
	case LevelDebug:
		l.slog.Debug(msg, args...)
	case LevelInfo:
		l.slog.Info(msg, args...)
	case LevelWarn:
		l.slog.Warn(msg, args...)
	case LevelError:
		l.slog.Error(msg, args...)
	case LevelCritical:
		l.slog.Log(context.Background(), slogLevelCritical, msg, args...)
	}

	entry := Entry{
		Time:     time.Now(),
		Level:    level,
		Category: l.category,
		Message:  msg,
		Service:  l.config.Service,
		Attrs:    argsToMap(args),
	}
	if level >= LevelCritical {
		entry.Stack = captureStack()
	}
	l.history.Append(entry)

	if l.exporter != nil && level.toSlogLevel() >= l.level.Level() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = l.exporter.Export(ctx, entry)
		}()
	}
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans out records to several slog handlers, enabling
// simultaneous stderr and file output with different formats.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// =============================================================================
// Helpers
// =============================================================================

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// argsToMap converts slog-style key-value args to a map for history entries.
func argsToMap(args []any) map[string]any {
	if len(args) < 2 {
		return nil
	}
	result := make(map[string]any, len(args)/2)
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			result[key] = args[i+1]
		}
	}
	return result
}

// captureStack returns the current goroutine's stack trace.
func captureStack() string {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// =============================================================================
// Built-in Exporters
// =============================================================================

// NopExporter discards all entries. Useful when export is disabled.
type NopExporter struct{}

func (e *NopExporter) Export(ctx context.Context, entry Entry) error { return nil }
func (e *NopExporter) Flush(ctx context.Context) error               { return nil }
func (e *NopExporter) Close() error                                  { return nil }

var _ LogExporter = (*NopExporter)(nil)

// BufferedExporter collects entries in memory for test assertions:
//
//	exporter := logging.NewBufferedExporter()
//	logger := logging.New(logging.Config{Exporter: exporter})
//	logger.Info("probe")
//	entries := exporter.Entries()
type BufferedExporter struct {
	mu      sync.Mutex
	entries []Entry
}

// NewBufferedExporter creates an empty BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{entries: make([]Entry, 0, 100)}
}

// Export appends the entry to the in-memory buffer.
func (e *BufferedExporter) Export(ctx context.Context, entry Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

// Flush is a no-op; entries are already in memory.
func (e *BufferedExporter) Flush(ctx context.Context) error { return nil }

// Close is a no-op.
func (e *BufferedExporter) Close() error { return nil }

// Entries returns a copy of all collected entries.
func (e *BufferedExporter) Entries() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]Entry, len(e.entries))
	copy(result, e.entries)
	return result
}

var _ LogExporter = (*BufferedExporter)(nil)

// WriterExporter writes entries to an io.Writer, one line each.
type WriterExporter struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriterExporter creates a WriterExporter over w.
func NewWriterExporter(w io.Writer) *WriterExporter {
	return &WriterExporter{w: w}
}

// Export writes one formatted line.
func (e *WriterExporter) Export(ctx context.Context, entry Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := fmt.Fprintf(e.w, "[%s] %s %s: %s %v\n",
		entry.Time.Format(time.RFC3339),
		entry.Level,
		entry.Category,
		entry.Message,
		entry.Attrs,
	)
	return err
}

// Flush is a no-op; writes are immediate.
func (e *WriterExporter) Flush(ctx context.Context) error { return nil }

// Close is a no-op; the exporter does not own the writer.
func (e *WriterExporter) Close() error { return nil }

var _ LogExporter = (*WriterExporter)(nil)
