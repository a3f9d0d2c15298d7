package gograph

import (
	"context"
	"fmt"
	"log/slog"
)

// Logger provides a simple interface for workflow logging
type Logger interface {
	// Debug logs a message at debug level
	Debug(format string, args ...interface{})

	// Info logs a message at info level
	Info(format string, args ...interface{})

	// Warn logs a message at warning level
	Warn(format string, args ...interface{})

	// Error logs a message at error level
	Error(format string, args ...interface{})
}

// DefaultLogger is a no-op logger implementation
type DefaultLogger struct{}

// Debug implements Logger.Debug
func (l *DefaultLogger) Debug(format string, args ...interface{}) {}

// Info implements Logger.Info
func (l *DefaultLogger) Info(format string, args ...interface{}) {}

// Warn implements Logger.Warn
func (l *DefaultLogger) Warn(format string, args ...interface{}) {}

// Error implements Logger.Error
func (l *DefaultLogger) Error(format string, args ...interface{}) {}

// NewDefaultLogger creates a new default no-op logger
func NewDefaultLogger() Logger {
	return &DefaultLogger{}
}

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps logger. A nil logger falls back to slog.Default().
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

func (l *SlogLogger) log(level slog.Level, format string, args ...interface{}) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	l.logger.Log(ctx, level, fmt.Sprintf(format, args...))
}

// Debug implements Logger.Debug
func (l *SlogLogger) Debug(format string, args ...interface{}) {
	l.log(slog.LevelDebug, format, args...)
}

// Info implements Logger.Info
func (l *SlogLogger) Info(format string, args ...interface{}) {
	l.log(slog.LevelInfo, format, args...)
}

// Warn implements Logger.Warn
func (l *SlogLogger) Warn(format string, args ...interface{}) {
	l.log(slog.LevelWarn, format, args...)
}

// Error implements Logger.Error
func (l *SlogLogger) Error(format string, args ...interface{}) {
	l.log(slog.LevelError, format, args...)
}
