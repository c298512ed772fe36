// Package log provides structured logging for footsteps nodes. It wraps Go's
// log/slog with per-subsystem child loggers so the scheduler, gossip layer
// and UI channel can be told apart in a single stream.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Logger wraps slog.Logger with node-specific context.
type Logger struct {
	inner *slog.Logger
}

// defaultLogger is the process-wide logger used by the package-level
// convenience functions.
var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(New(slog.LevelInfo))
}

// New creates a Logger that writes JSON to stderr at the given level.
func New(level slog.Level) *Logger {
	return NewFormatted(os.Stderr, level, FormatJSON)
}

// NewFormatted creates a Logger writing to w in the given format ("json" or
// "text"). Unknown formats fall back to JSON.
func NewFormatted(w io.Writer, level slog.Level, format string) *Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == FormatText {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return &Logger{inner: slog.New(h)}
}

// NewWithHandler creates a Logger backed by the supplied slog.Handler. This
// is useful for testing or for writing to a custom destination.
func NewWithHandler(h slog.Handler) *Logger {
	return &Logger{inner: slog.New(h)}
}

// SetDefault replaces the package-level default logger.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}

// Default returns the current package-level default logger.
func Default() *Logger {
	return defaultLogger.Load()
}

// Module returns a child logger with an additional "module" attribute.
// Subsystems (scheduler, gossip, wsapi, ...) obtain their logger this way.
func (l *Logger) Module(name string) *Logger {
	return &Logger{inner: l.inner.With("module", name)}
}

// With returns a child logger with additional key-value context.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{inner: l.inner.With(args...)}
}

// Enabled reports whether records at level would be emitted.
func (l *Logger) Enabled(level slog.Level) bool {
	return l.inner.Enabled(context.Background(), level)
}

// Debug logs at LevelDebug.
func (l *Logger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }

// Info logs at LevelInfo.
func (l *Logger) Info(msg string, args ...any) { l.inner.Info(msg, args...) }

// Warn logs at LevelWarn.
func (l *Logger) Warn(msg string, args ...any) { l.inner.Warn(msg, args...) }

// Error logs at LevelError.
func (l *Logger) Error(msg string, args ...any) { l.inner.Error(msg, args...) }

// ---------------------------------------------------------------------------
// Package-level convenience functions -- delegate to the default logger.
// ---------------------------------------------------------------------------

// Debug logs at LevelDebug using the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }

// Info logs at LevelInfo using the default logger.
func Info(msg string, args ...any) { Default().Info(msg, args...) }

// Warn logs at LevelWarn using the default logger.
func Warn(msg string, args ...any) { Default().Warn(msg, args...) }

// Error logs at LevelError using the default logger.
func Error(msg string, args ...any) { Default().Error(msg, args...) }
