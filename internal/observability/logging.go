package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// EnvLogLevel overrides the configured log level.
const EnvLogLevel = "FEEDMIRROR_LOG_LEVEL"

// NewLogger creates a JSON logger on stdout tagged with component. Passing a
// *slog.LevelVar lets the level change at runtime.
func NewLogger(component string, level slog.Leveler) *slog.Logger {
	return newLogger(os.Stdout, component, level)
}

func newLogger(w io.Writer, component string, level slog.Leveler) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("component", component)
}

// TraceLogger adds trace_id and span_id from the context to each record.
type TraceLogger struct {
	logger *slog.Logger
}

// NewTraceLogger wraps logger.
func NewTraceLogger(logger *slog.Logger) *TraceLogger {
	return &TraceLogger{logger: logger}
}

// WithTraceContext returns the logger annotated with the span in ctx, if any.
func (l *TraceLogger) WithTraceContext(ctx context.Context) *slog.Logger {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return l.logger
	}
	return l.logger.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

func (l *TraceLogger) Debug(ctx context.Context, msg string, args ...any) {
	l.WithTraceContext(ctx).Debug(msg, args...)
}

func (l *TraceLogger) Info(ctx context.Context, msg string, args ...any) {
	l.WithTraceContext(ctx).Info(msg, args...)
}

func (l *TraceLogger) Warn(ctx context.Context, msg string, args ...any) {
	l.WithTraceContext(ctx).Warn(msg, args...)
}

func (l *TraceLogger) Error(ctx context.Context, msg string, args ...any) {
	l.WithTraceContext(ctx).Error(msg, args...)
}

// With returns a TraceLogger with additional attributes.
func (l *TraceLogger) With(args ...any) *TraceLogger {
	return &TraceLogger{logger: l.logger.With(args...)}
}

// ParseLogLevel maps debug, info, warn and error (any case) to a level.
// Anything else is info.
func ParseLogLevel(s string) slog.Level {
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

// ResolveLogLevel picks the level from the flag, then FEEDMIRROR_LOG_LEVEL,
// then the config file value.
func ResolveLogLevel(flagLevel, configLevel string) slog.Level {
	if flagLevel != "" {
		return ParseLogLevel(flagLevel)
	}
	if env := os.Getenv(EnvLogLevel); env != "" {
		return ParseLogLevel(env)
	}
	return ParseLogLevel(configLevel)
}
