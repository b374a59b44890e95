package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// New returns the JSON logger for one process ("api", "worker"). local and
// dev environments log at debug.
func New(appEnv, process string) *slog.Logger {
	return NewWriter(os.Stdout, appEnv, process)
}

func NewWriter(w io.Writer, appEnv, process string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}
	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	if process != "" {
		l = l.With("process", process)
	}
	return l
}

type ctxKey struct{}

// With stores a logger in context. Request middleware and event consumers
// use it to hand a correlated logger (request_id, event_id) to services.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets the logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	return FromOr(ctx, slog.Default())
}

func FromOr(ctx context.Context, def *slog.Logger) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return def
}
