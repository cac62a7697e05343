package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/taleforge/internal/pricing"
)

// DenyReason explains why Check refused an operation.
type DenyReason string

const (
	ReasonSubscriptionRequired DenyReason = "subscription_required"
	ReasonInsufficientCredits  DenyReason = "insufficient_credits"
	ReasonDailyLimitReached    DenyReason = "daily_limit_reached"
)

type CheckRequest struct {
	UserID string         `json:"user_id"`
	Kind   pricing.Kind   `json:"kind"`
	Inputs pricing.Inputs `json:"inputs"`
}

// Result is the outcome of a read-only entitlement check. Usage fields are
// only populated for daily-limited kinds.
type Result struct {
	Allowed   bool         `json:"allowed"`
	Reason    DenyReason   `json:"reason,omitempty"`
	Kind      pricing.Kind `json:"kind"`
	Tier      string       `json:"tier,omitempty"`
	Cost      int64        `json:"cost"`
	Balance   int64        `json:"balance"`
	Deficit   int64        `json:"deficit,omitempty"`
	Used      *int64       `json:"used,omitempty"`
	Limit     *int64       `json:"limit,omitempty"`
	Remaining *int64       `json:"remaining,omitempty"`
	ResetsAt  *time.Time   `json:"resets_at,omitempty"`
}

// DailyLimited reports whether the check consulted a usage window.
func (r Result) DailyLimited() bool {
	return r.Limit != nil && *r.Limit > 0
}

// Err turns a denial into its typed error. Allowed results return nil.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	switch r.Reason {
	case ReasonSubscriptionRequired:
		return &SubscriptionRequiredError{Feature: string(r.Kind)}
	case ReasonInsufficientCredits:
		return &InsufficientCreditsError{Required: r.Cost, Available: r.Balance, Deficit: r.Deficit}
	case ReasonDailyLimitReached:
		err := &DailyLimitReachedError{}
		if r.Used != nil {
			err.Used = *r.Used
		}
		if r.Limit != nil {
			err.Limit = *r.Limit
		}
		if r.ResetsAt != nil {
			err.ResetAt = *r.ResetsAt
		}
		return err
	default:
		return ErrEntitlementDenied
	}
}

type Checker interface {
	// Check decides whether the user may run the operation now. It never
	// mutates balances or usage windows.
	Check(ctx context.Context, req CheckRequest) (Result, error)
}
