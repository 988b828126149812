// Package logging provides structured logging for the agent process.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type contextKey string

const (
	charKey   contextKey = "char"
	loggerKey contextKey = "logger"
)

// New creates a new structured logger
func New(level string, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// WithCharacter tags the context with the character a worker is driving.
func WithCharacter(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, charKey, name)
}

// Character extracts the character name from context.
func Character(ctx context.Context) string {
	if name, ok := ctx.Value(charKey).(string); ok {
		return name
	}
	return ""
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L is a convenience function to get a logger scoped to the worker's character.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if name := Character(ctx); name != "" {
		return logger.With("char", name)
	}
	return logger
}
