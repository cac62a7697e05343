package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/taleforge/internal/observability/context"
	"github.com/smallbiznis/taleforge/pkg/telemetry/correlation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	headerRequestID = "X-Request-Id"

	ginKeyRequestID     = "request_id"
	ginKeyUserID        = "user_id"
	ginKeyOperationKind = "operation_kind"

	// errorTypeEntitlementDenied is what the server classifier reports for
	// credit, tier and daily-limit refusals.
	errorTypeEntitlementDenied = "entitlement_denied"
)

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier maps the last handler error to (error_type, error_code).
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware stamps a request id onto the context, which also becomes the
// correlation id written into ledger metadata, and logs one line per request.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := requestIDFor(c)

		ctx := obscontext.WithRequestID(c.Request.Context(), requestID)
		ctx = correlation.ContextWithCorrelationID(ctx, requestID)
		ctx = obscontext.WithClient(ctx, c.ClientIP(), c.Request.UserAgent())
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int64("bytes_in", max(c.Request.ContentLength, 0)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		if kind := strings.TrimSpace(c.GetString(ginKeyOperationKind)); kind != "" {
			fields = append(fields, zap.String(ginKeyOperationKind, kind))
		}
		// FromContext already carries user_id once a handler bound it.
		if obscontext.UserIDFromContext(c.Request.Context()) == "" {
			if userID := strings.TrimSpace(c.GetString(ginKeyUserID)); userID != "" {
				fields = append(fields, zap.String(ginKeyUserID, userID))
			}
		}

		var errorType string
		if lastErr := c.Errors.Last(); lastErr != nil {
			var errorCode string
			if cfg.ErrorClassifier != nil {
				errorType, errorCode = cfg.ErrorClassifier(lastErr.Err)
			}
			fields = append(fields,
				zap.String("error_type", errorType),
				zap.String("error_code", errorCode),
			)
			if cfg.Debug {
				fields = append(fields, zap.Stack("stack"))
			}
		}

		log := FromContext(c.Request.Context())
		if ce := log.Check(requestLevel(route, status, errorType), "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

func requestIDFor(c *gin.Context) string {
	requestID := strings.TrimSpace(c.GetHeader(headerRequestID))
	if requestID == "" {
		requestID = strings.TrimSpace(c.GetString(ginKeyRequestID))
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(ginKeyRequestID, requestID)
	c.Header(headerRequestID, requestID)
	return requestID
}

// requestLevel keeps refusals and health checks out of the info stream. A 202 means
// the artifact shipped but its debit was deferred, which operators need to see.
func requestLevel(route string, status int, errorType string) zapcore.Level {
	switch {
	case route == "/health" || route == "/metrics":
		return zapcore.DebugLevel
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case errorType == errorTypeEntitlementDenied:
		return zapcore.DebugLevel
	case status == http.StatusAccepted:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
