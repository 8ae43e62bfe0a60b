package invoiceflow

import (
	"context"
	"io"
	"log/slog"
)

type ContextKey string

const (
	LoggerContextKey ContextKey = "logger"
	RunIDContextKey  ContextKey = "run_id"
)

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDContextKey, runID)
}

// LoggerFromContext returns the logger stored in ctx or a discarding logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger); ok {
		return logger
	}
	return discardLogger()
}

func RunIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(RunIDContextKey).(string)
	return id, ok
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
