package correlation

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

type correlationKey struct{}

// ExtractCorrelationID fetches a correlation ID from the context if present.
func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(correlationKey{}).(string); ok {
		return val
	}
	return ""
}

// ContextWithCorrelationID sets the correlation ID onto the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureCorrelationID guarantees a correlation ID on the context, generating one when missing.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	cid := ExtractCorrelationID(ctx)
	if cid == "" {
		cid = ulid.Make().String()
	}
	return ContextWithCorrelationID(ctx, cid), cid
}

// Stamp copies correlation and trace identifiers from ctx into a ledger
// metadata map. Keys already set by the caller are left alone.
func Stamp(ctx context.Context, metadata map[string]any) map[string]any {
	if metadata == nil {
		metadata = map[string]any{}
	}
	if _, ok := metadata["correlation_id"]; !ok {
		if cid := ExtractCorrelationID(ctx); cid != "" {
			metadata["correlation_id"] = cid
		}
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		if _, ok := metadata["trace_id"]; !ok {
			metadata["trace_id"] = sc.TraceID().String()
		}
		if _, ok := metadata["span_id"]; !ok {
			metadata["span_id"] = sc.SpanID().String()
		}
	}
	if _, ok := metadata["recorded_at"]; !ok {
		metadata["recorded_at"] = time.Now().UTC().Format(time.RFC3339)
	}
	return metadata
}
