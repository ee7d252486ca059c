// Package logging provides structured logging for the engine using Go's
// slog package. Subsystems log through the package-level helpers so the
// embedding application can swap the handler once at startup.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var defaultLogger atomic.Pointer[slog.Logger]

func init() {
	SetOutput(os.Stderr, slog.LevelInfo)
}

// SetOutput replaces the global logger with a text handler writing to w at
// the given level.
func SetOutput(w io.Writer, level slog.Level) {
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	defaultLogger.Store(logger)
}

// SetLogger installs a fully custom logger.
func SetLogger(logger *slog.Logger) {
	defaultLogger.Store(logger)
}

// Logger returns the current global logger.
func Logger() *slog.Logger {
	return defaultLogger.Load()
}

// Debug logs a debug-level message with structured attributes.
func Debug(msg string, args ...any) { Logger().Debug(msg, args...) }

// Info logs an info-level message with structured attributes.
func Info(msg string, args ...any) { Logger().Info(msg, args...) }

// Warn logs a warning-level message with structured attributes.
func Warn(msg string, args ...any) { Logger().Warn(msg, args...) }

// Error logs an error-level message with structured attributes.
func Error(msg string, args ...any) { Logger().Error(msg, args...) }
