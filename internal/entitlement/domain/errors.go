package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrEntitlementDenied matches every user-correctable denial below.
var ErrEntitlementDenied = errors.New("entitlement_denied")

var (
	ErrInvalidUser = errors.New("invalid_user_id")
	ErrInvalidKind = errors.New("invalid_operation_kind")
)

type InsufficientCreditsError struct {
	Required  int64
	Available int64
	Deficit   int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient_credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrEntitlementDenied
}

type DailyLimitReachedError struct {
	Used    int64
	Limit   int64
	ResetAt time.Time
}

func (e *DailyLimitReachedError) Error() string {
	return fmt.Sprintf("daily_limit_reached: %d of %d used, resets at %s", e.Used, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *DailyLimitReachedError) Is(target error) bool {
	return target == ErrEntitlementDenied
}

type SubscriptionRequiredError struct {
	Feature string
}

func (e *SubscriptionRequiredError) Error() string {
	return fmt.Sprintf("subscription_required: %s", e.Feature)
}

func (e *SubscriptionRequiredError) Is(target error) bool {
	return target == ErrEntitlementDenied
}
