package logger

import (
	"context"
	"io"
	"log/slog"
)

const ansiReset = "\033[0m"

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m",
	slog.LevelInfo:  "\033[32m",
	slog.LevelWarn:  "\033[33m",
	slog.LevelError: "\033[31m",
}

// levelColorHandler prefixes each record's message with the colorized level
// name, then defers formatting to the embedded text handler.
type levelColorHandler struct {
	*slog.TextHandler
}

func newLevelColorHandler(w io.Writer, opts *slog.HandlerOptions) *levelColorHandler {
	return &levelColorHandler{TextHandler: slog.NewTextHandler(w, opts)}
}

func (h *levelColorHandler) Handle(ctx context.Context, r slog.Record) error {
	color, ok := levelColors[r.Level]
	if !ok {
		color = ansiReset
	}
	r.Message = color + r.Level.String() + ansiReset + "  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}
