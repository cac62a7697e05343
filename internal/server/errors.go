package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/taleforge/internal/audit/domain"
	"github.com/smallbiznis/taleforge/internal/authorization"
	balancedomain "github.com/smallbiznis/taleforge/internal/balance/domain"
	creditdomain "github.com/smallbiznis/taleforge/internal/credit/domain"
	entitlementdomain "github.com/smallbiznis/taleforge/internal/entitlement/domain"
	paymentdomain "github.com/smallbiznis/taleforge/internal/payment/domain"
	"github.com/smallbiznis/taleforge/internal/pricing"
	usagedomain "github.com/smallbiznis/taleforge/internal/usagelimit/domain"
	pkgdb "github.com/smallbiznis/taleforge/pkg/db"
	"github.com/smallbiznis/taleforge/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
	Details map[string]any    `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if status, payload, ok := mapEntitlementError(err); ok {
		return status, payload
	}

	var chargeFailed *creditdomain.ChargeFailedError
	if errors.As(err, &chargeFailed) {
		return http.StatusAccepted, errorPayload{
			Type:    "charge_pending",
			Message: "artifact delivered, charge pending",
			Details: map[string]any{"artifact_id": chargeFailed.Artifact.ID},
		}
	}

	var workFailed *creditdomain.WorkFailedError
	if errors.As(err, &workFailed) {
		return http.StatusBadGateway, errorPayload{
			Type:    "work_failed",
			Message: "generation failed, no credits were charged",
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, authorization.ErrUnauthorized),
		errors.Is(err, authorization.ErrInvalidActor),
		errors.Is(err, authorization.ErrUnknownRole):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "invalid_signature",
			Message: "webhook signature verification failed",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, balancedomain.ErrInsufficientFunds),
		pkgdb.IsCheckViolation(err):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: "insufficient credits",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, balancedomain.ErrReplayConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, paymentdomain.ErrProviderNotConfigured):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// mapEntitlementError renders denials with the numbers a client needs to
// explain them.
func mapEntitlementError(err error) (int, errorPayload, bool) {
	var insufficient *entitlementdomain.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return http.StatusPaymentRequired, errorPayload{
			Type:    string(entitlementdomain.ReasonInsufficientCredits),
			Message: "insufficient credits",
			Details: map[string]any{
				"required":  insufficient.Required,
				"available": insufficient.Available,
				"deficit":   insufficient.Deficit,
			},
		}, true
	}

	var daily *entitlementdomain.DailyLimitReachedError
	if errors.As(err, &daily) {
		return http.StatusTooManyRequests, errorPayload{
			Type:    string(entitlementdomain.ReasonDailyLimitReached),
			Message: "daily limit reached",
			Details: map[string]any{
				"used":      daily.Used,
				"limit":     daily.Limit,
				"resets_at": daily.ResetAt.UTC().Format(time.RFC3339),
			},
		}, true
	}

	var gated *entitlementdomain.SubscriptionRequiredError
	if errors.As(err, &gated) {
		return http.StatusForbidden, errorPayload{
			Type:    string(entitlementdomain.ReasonSubscriptionRequired),
			Message: "subscription required",
			Details: map[string]any{"feature": gated.Feature},
		}, true
	}

	if errors.Is(err, entitlementdomain.ErrEntitlementDenied) {
		return http.StatusForbidden, errorPayload{
			Type:    "entitlement_denied",
			Message: "entitlement denied",
		}, true
	}
	return 0, errorPayload{}, false
}

// classifyErrorForLog feeds the request logger. Entitlement denials share one
// type so routine refusals can be logged quietly.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	if errors.Is(err, entitlementdomain.ErrEntitlementDenied) {
		return "entitlement_denied", payload.Type
	}
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, payload.Type
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, pagination.ErrInvalidPageToken):
		return true
	case isBalanceValidationError(err),
		isCreditValidationError(err),
		isEntitlementValidationError(err),
		isPricingValidationError(err),
		isPaymentValidationError(err),
		isAuditValidationError(err):
		return true
	default:
		return false
	}
}

func isBalanceValidationError(err error) bool {
	return errors.Is(err, balancedomain.ErrInvalidUser) ||
		errors.Is(err, balancedomain.ErrInvalidAmount) ||
		errors.Is(err, balancedomain.ErrInvalidReason) ||
		errors.Is(err, balancedomain.ErrInvalidReference) ||
		errors.Is(err, balancedomain.ErrInvalidTier)
}

func isCreditValidationError(err error) bool {
	return errors.Is(err, creditdomain.ErrInvalidUser) ||
		errors.Is(err, creditdomain.ErrInvalidKind) ||
		errors.Is(err, creditdomain.ErrInvalidAmount) ||
		errors.Is(err, creditdomain.ErrInvalidReference) ||
		errors.Is(err, creditdomain.ErrInvalidGrantReason) ||
		errors.Is(err, creditdomain.ErrMissingArtifactID) ||
		errors.Is(err, creditdomain.ErrRefundExceedsDebit) ||
		errors.Is(err, usagedomain.ErrInvalidUser) ||
		errors.Is(err, usagedomain.ErrInvalidFeature)
}

func isEntitlementValidationError(err error) bool {
	return errors.Is(err, entitlementdomain.ErrInvalidUser) ||
		errors.Is(err, entitlementdomain.ErrInvalidKind)
}

func isPricingValidationError(err error) bool {
	return errors.Is(err, pricing.ErrUnknownKind) ||
		errors.Is(err, pricing.ErrVariableKind) ||
		errors.Is(err, pricing.ErrInvalidDuration)
}

func isPaymentValidationError(err error) bool {
	return errors.Is(err, paymentdomain.ErrInvalidProvider) ||
		errors.Is(err, paymentdomain.ErrInvalidPayload) ||
		errors.Is(err, paymentdomain.ErrInvalidEvent) ||
		errors.Is(err, paymentdomain.ErrInvalidUser) ||
		errors.Is(err, paymentdomain.ErrInvalidCredits)
}

func isAuditValidationError(err error) bool {
	return errors.Is(err, auditdomain.ErrInvalidTimeRange) ||
		errors.Is(err, auditdomain.ErrInvalidAction)
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, balancedomain.ErrNotFound),
		errors.Is(err, creditdomain.ErrFailureNotFound),
		errors.Is(err, creditdomain.ErrDebitNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, pricing.ErrUnknownKind):
		return "invalid_kind"
	}
	code := err.Error()
	if idx := strings.Index(code, ":"); idx > 0 {
		code = code[:idx]
	}
	return code
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if code == "invalid_time_range" {
		return "start_at"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	switch code {
	case "missing_artifact_id":
		return "artifact_id"
	case "refund_exceeds_debit":
		return "amount"
	case "variable_cost_kind":
		return "kind"
	case "unknown_operation_kind":
		return "kind"
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "missing_artifact_id":
		return "artifact_id is required"
	case "refund_exceeds_debit":
		return "refund exceeds the original debit"
	default:
		return "invalid value"
	}
}
