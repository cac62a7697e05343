package correlation

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "cid-1")
	ctx, cid := EnsureCorrelationID(ctx)
	if cid != "cid-1" {
		t.Fatalf("expected existing correlation id, got %q", cid)
	}
	if ExtractCorrelationID(ctx) != "cid-1" {
		t.Fatalf("expected context to carry cid-1")
	}

	_, generated := EnsureCorrelationID(context.Background())
	if len(generated) != 26 {
		t.Fatalf("expected a ulid, got %q", generated)
	}
}

func TestStampAddsTraceIdentifiers(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = ContextWithCorrelationID(ctx, "cid-2")

	meta := Stamp(ctx, map[string]any{"trace_id": "caller"})

	if meta["correlation_id"] != "cid-2" {
		t.Fatalf("expected correlation id, got %v", meta["correlation_id"])
	}
	if meta["trace_id"] != "caller" {
		t.Fatalf("expected caller trace id to win, got %v", meta["trace_id"])
	}
	if meta["span_id"] != "00f067aa0ba902b7" {
		t.Fatalf("expected span id, got %v", meta["span_id"])
	}
	if _, ok := meta["recorded_at"]; !ok {
		t.Fatalf("expected recorded_at")
	}
}

func TestStampWithoutSpan(t *testing.T) {
	meta := Stamp(context.Background(), nil)
	if _, ok := meta["trace_id"]; ok {
		t.Fatalf("did not expect trace id without a span")
	}
}
