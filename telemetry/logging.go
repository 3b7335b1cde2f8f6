// Package telemetry configures structured logging.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps DEBUG, INFO, WARN and ERROR (any case) to a slog level.
// Anything else is INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a logger writing to w. Format "text" gives human-readable
// output, anything else JSON.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// SetupLogger initializes the global logger from LOG_LEVEL and LOG_FORMAT
// unless explicit values are given.
func SetupLogger(level, format string) *slog.Logger {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}
	logger := NewLogger(os.Stderr, level, format)
	slog.SetDefault(logger)
	return logger
}

type ctxKey string

// CtxLogger is the context key for the logger.
const CtxLogger ctxKey = "logger"

// WithLogger adds the logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, CtxLogger, logger)
}

// FromContext returns the logger stored in ctx, or the global one.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(CtxLogger).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithRunID returns a logger with run_id attached.
func WithRunID(logger *slog.Logger, runID uint64) *slog.Logger {
	return logger.With("run_id", runID)
}

// WithTemplateID returns a logger with template_id attached.
func WithTemplateID(logger *slog.Logger, templateID string) *slog.Logger {
	return logger.With("template_id", templateID)
}

// WithNodeID returns a logger with node_id attached.
func WithNodeID(logger *slog.Logger, nodeID string) *slog.Logger {
	return logger.With("node_id", nodeID)
}
