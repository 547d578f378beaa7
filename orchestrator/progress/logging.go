// Package progress threads a trace id through the pipeline stages and
// publishes structured observability events.
package progress

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// splitHandler routes error records to stderr and everything else to
// stdout, both as newline-delimited JSON.
type splitHandler struct {
	out slog.Handler
	err slog.Handler
}

func (h *splitHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.out.Enabled(ctx, level)
}

func (h *splitHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		return h.err.Handle(ctx, r)
	}
	return h.out.Handle(ctx, r)
}

func (h *splitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &splitHandler{out: h.out.WithAttrs(attrs), err: h.err.WithAttrs(attrs)}
}

func (h *splitHandler) WithGroup(name string) slog.Handler {
	return &splitHandler{out: h.out.WithGroup(name), err: h.err.WithGroup(name)}
}

// NewLogger builds the process logger. level is one of debug, info, warn,
// error (default info).
func NewLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lv}
	return slog.New(&splitHandler{
		out: slog.NewJSONHandler(os.Stdout, opts),
		err: slog.NewJSONHandler(os.Stderr, opts),
	})
}
