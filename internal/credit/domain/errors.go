package domain

import (
	"errors"
	"fmt"

	entitlementdomain "github.com/smallbiznis/taleforge/internal/entitlement/domain"
)

// Entitlement denials surface unchanged so callers can match a single package.
type (
	InsufficientCreditsError  = entitlementdomain.InsufficientCreditsError
	DailyLimitReachedError    = entitlementdomain.DailyLimitReachedError
	SubscriptionRequiredError = entitlementdomain.SubscriptionRequiredError
)

var ErrEntitlementDenied = entitlementdomain.ErrEntitlementDenied

var (
	ErrInvalidUser        = errors.New("invalid_user_id")
	ErrInvalidKind        = errors.New("invalid_operation_kind")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidReference   = errors.New("invalid_reference_id")
	ErrInvalidGrantReason = errors.New("invalid_grant_reason")
	ErrMissingWork        = errors.New("missing_work")
	ErrMissingArtifactID  = errors.New("missing_artifact_id")
	ErrFailureNotFound    = errors.New("charge_failure_not_found")
	ErrDebitNotFound      = errors.New("debit_not_found")
	ErrRefundExceedsDebit = errors.New("refund_exceeds_debit")
)

// WorkFailedError means the generation itself failed. No credits were touched.
type WorkFailedError struct {
	Err error
}

func (e *WorkFailedError) Error() string {
	return fmt.Sprintf("work_failed: %v", e.Err)
}

func (e *WorkFailedError) Unwrap() error { return e.Err }

// ChargeFailedError means the artifact exists but its debit could not be
// recorded. The artifact must still reach the user.
type ChargeFailedError struct {
	Artifact Artifact
	Err      error
}

func (e *ChargeFailedError) Error() string {
	return fmt.Sprintf("charge_failed: artifact %s: %v", e.Artifact.ID, e.Err)
}

func (e *ChargeFailedError) Unwrap() error { return e.Err }
