package tracing

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/taleforge/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Outcomes recorded on request spans as credit.outcome.
const (
	OutcomeOK       = "ok"
	OutcomeDenied   = "denied"
	OutcomeDeferred = "deferred"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// GinMiddleware opens a server span per request, continuing any remote trace,
// and tags it with the operation kind and credit outcome.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("taleforge/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+c.Request.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			if member, err := baggage.NewMember("request_id", requestID); err == nil {
				if bag, err := baggage.New(member); err == nil {
					ctx = baggage.ContextWithBaggage(ctx, bag)
				}
			}
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		outcome := outcomeFor(status)
		span.SetName("HTTP " + c.Request.Method + " " + route)

		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
			attribute.String("credit.outcome", outcome),
		}
		if kind := c.GetString("operation_kind"); kind != "" {
			attrs = append(attrs, attribute.String("credit.operation_kind", kind))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		switch outcome {
		case OutcomeDeferred:
			span.AddEvent("charge_deferred")
		case OutcomeError:
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

func outcomeFor(status int) string {
	switch {
	case status >= http.StatusInternalServerError:
		return OutcomeError
	case status == http.StatusPaymentRequired,
		status == http.StatusForbidden,
		status == http.StatusTooManyRequests:
		return OutcomeDenied
	case status == http.StatusAccepted:
		return OutcomeDeferred
	case status >= http.StatusBadRequest:
		return OutcomeRejected
	default:
		return OutcomeOK
	}
}
