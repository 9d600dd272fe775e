package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Logger is a structured logger scoped to a quarry component.
type Logger struct {
	*slog.Logger
}

// Options configures New.
type Options struct {
	Level  slog.Level
	Format string // "json" or "text"
	Output io.Writer
}

// New creates a component logger. A nil Output writes to stderr.
func New(component string, opts Options) *Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(out, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(out, handlerOpts)
	}

	return &Logger{Logger: slog.New(handler).With(slog.String("component", component))}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Component returns a logger for a sub-component sharing the same handler.
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("component", name))}
}

// WithContext attaches trace and span IDs when ctx carries a valid span.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return l
	}
	return &Logger{Logger: l.Logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)}
}

// WithQuery returns a logger with run-specific fields
func (l *Logger) WithQuery(runID, queryHash string) *Logger {
	return &Logger{Logger: l.Logger.With(
		slog.String("run_id", runID),
		slog.String("query_hash", queryHash),
	)}
}

// WithTask returns a logger with task-specific fields
func (l *Logger) WithTask(taskID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("task_id", taskID))}
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}
