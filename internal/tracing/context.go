package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

type traceIDKey struct{}

// NewTraceID generates a trace id for requests that arrive without one.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID pins the trace id reported for ctx. It wins over the id of
// any span started under ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceID returns the pinned trace id, else the trace id of the span in
// ctx, else "".
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(traceIDKey{}).(string); ok && id != "" {
		return id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// EnsureTraceID returns ctx unchanged when it already has a trace id and
// otherwise pins a fresh one.
func EnsureTraceID(ctx context.Context) context.Context {
	if TraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// Logger adds the trace id of ctx, and the span id when a span is active,
// to logger.
func Logger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	lc := logger.With()
	if id := TraceID(ctx); id != "" {
		lc = lc.Str("trace_id", id)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		lc = lc.Str("span_id", sc.SpanID().String())
	}
	return lc.Logger()
}
