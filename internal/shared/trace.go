package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}

// WithTraceID attaches a request-scoped trace_id to ctx. The HTTP front
// stamps one per request; audit rows and log lines read it back out.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID returns the trace_id carried by ctx, or "-" when none was set
// (background loops, tests).
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID mints a fresh trace_id.
func NewTraceID() string {
	return uuid.NewString()
}
