// Package logger provides structured logging using slog with polling-tick context support.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// TickIDKey is the context key for the id of the polling tick being processed.
	TickIDKey contextKey = "tick_id"
	// ContractIDKey is the context key for the contract being worked on.
	ContractIDKey contextKey = "contract_id"
)

// Logger wraps slog.Logger with additional context-aware methods.
type Logger struct {
	*slog.Logger
}

// New creates a new Logger with the specified level and format.
func New(level slog.Level, json bool) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if json {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// Default creates a logger with default settings (INFO level, text format).
func Default() *Logger {
	return New(slog.LevelInfo, false)
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to INFO.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// WithContext returns a new Logger with fields extracted from the context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if tickID := TickIDFromContext(ctx); tickID != "" {
		logger = logger.With("tick_id", tickID)
	}

	if contractID := ContractIDFromContext(ctx); contractID != "" {
		logger = logger.With("contract_id", contractID)
	}

	return &Logger{Logger: logger}
}

// WithComponent returns a new Logger with the component field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
	}
}

// WithError returns a new Logger with the error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.Logger.With("error", err.Error()),
	}
}

// ContextWithTickID adds a tick ID to the context.
func ContextWithTickID(ctx context.Context, tickID string) context.Context {
	return context.WithValue(ctx, TickIDKey, tickID)
}

// ContextWithContractID adds a contract ID to the context.
func ContextWithContractID(ctx context.Context, contractID string) context.Context {
	return context.WithValue(ctx, ContractIDKey, contractID)
}

// TickIDFromContext extracts the tick ID from context.
func TickIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(TickIDKey).(string); ok {
		return id
	}
	return ""
}

// ContractIDFromContext extracts the contract ID from context.
func ContractIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ContractIDKey).(string); ok {
		return id
	}
	return ""
}
