// Package obs wires the sidecar's structured logging, request tracing,
// and Prometheus metrics: the ambient observability surface every
// pipeline stage reports through.
package obs

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide structured logger. level accepts
// "debug", "info", "warn", or "error"; anything else falls back to info.
func NewLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler).With("component", "vac-sidecar")
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
