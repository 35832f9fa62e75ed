// Package logging provides the zerolog-backed implementation of
// internal/memory/ports.Logger, plus trace/span enrichment from an
// OpenTelemetry context, in the style the teacher's observability package
// used for its own zerolog setup.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcbbge/anima/internal/memory/ports"
)

// Logger adapts a zerolog.Logger to ports.Logger.
type Logger struct {
	zl zerolog.Logger
}

var _ ports.Logger = (*Logger)(nil)

// New builds a Logger writing JSON to out at the given level ("debug",
// "info", "warn", "error"; unrecognized values fall back to "info").
func New(out io.Writer, level string) *Logger {
	if out == nil {
		out = os.Stdout
	}
	zl := zerolog.New(out).With().Timestamp().Logger().Level(parseLevel(level))
	return &Logger{zl: zl}
}

// NewDefault returns a Logger writing to stdout at info level, matching the
// process's fallback when no LOG_LEVEL is configured.
func NewDefault() *Logger {
	return New(os.Stdout, "info")
}

// NewWithFile mirrors the teacher's convention of duplicating log output to
// a file alongside stdout. Falls back to stdout-only if path can't be
// opened.
func NewWithFile(path, level string) *Logger {
	if path == "" {
		return New(os.Stdout, level)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return New(os.Stdout, level)
	}
	return New(io.MultiWriter(os.Stdout, f), level)
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *Logger) event(e *zerolog.Event, msg string, fields map[string]any) {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

func (l *Logger) Debug(msg string, fields map[string]any) { l.event(l.zl.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields map[string]any)  { l.event(l.zl.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]any)  { l.event(l.zl.Warn(), msg, fields) }
func (l *Logger) Error(msg string, fields map[string]any) { l.event(l.zl.Error(), msg, fields) }

// WithTrace returns a Logger that stamps every subsequent entry with the
// trace_id/span_id carried by ctx, if ctx carries a valid span context;
// otherwise it returns l unchanged.
func (l *Logger) WithTrace(ctx context.Context) *Logger {
	span := trace.SpanContextFromContext(ctx)
	if !span.IsValid() {
		return l
	}
	zl := l.zl.With().
		Str("trace_id", span.TraceID().String()).
		Str("span_id", span.SpanID().String()).
		Logger()
	return &Logger{zl: zl}
}
