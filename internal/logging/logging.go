// Package logging builds the process-wide slog logger and threads
// request-scoped loggers through context, so handlers and background jobs
// tag every line with the request that caused it.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyLogger
)

// New builds the root logger. level accepts slog's textual levels
// ("debug", "info", "warn", "error", case-insensitive); anything else falls
// back to info. format "json" selects the JSON handler, anything else text.
// Source locations are attached only at debug level.
func New(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl <= slog.LevelDebug,
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// WithRequestID stores the request ID for L to pick up.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// WithLogger stores a request-scoped logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKeyLogger, logger)
}

// L returns the logger carried by ctx, tagged with the request ID when one
// is present. Outside a request it falls back to slog.Default.
func L(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(ctxKeyLogger).(*slog.Logger)
	if !ok {
		logger = slog.Default()
	}
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok && id != "" {
		return logger.With("request_id", id)
	}
	return logger
}
