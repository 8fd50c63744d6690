// Package observability carries the per-request trace id and the JSONL
// structured log that request middleware and audit events write into.
package observability

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type traceIDKey struct{}

// NewTraceID mints a 32-character hex trace id.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WithTraceID installs a trace id on the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext returns the ambient trace id, or "" when absent.
func TraceIDFromContext(ctx context.Context) string {
	if value, ok := ctx.Value(traceIDKey{}).(string); ok {
		return value
	}
	return ""
}

// EnsureTraceID returns the context's trace id, minting and installing one
// when missing.
func EnsureTraceID(ctx context.Context) (context.Context, string) {
	if existing := TraceIDFromContext(ctx); existing != "" {
		return ctx, existing
	}
	traceID := NewTraceID()
	return WithTraceID(ctx, traceID), traceID
}
