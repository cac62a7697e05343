package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/taleforge/internal/balance/domain"
)

// Coordinator is the only path generation endpoints use to spend credits.
type Coordinator interface {
	// WithCharge quotes, checks, runs work and charges only after work succeeds.
	// The returned Outcome is non-nil whenever quoting succeeded.
	WithCharge(ctx context.Context, req ChargeRequest, work WorkFunc) (*Outcome, error)
	// Charge settles work performed out of process. It runs the same
	// entitlement check and daily slot as WithCharge, then debits.
	Charge(ctx context.Context, req ChargeArtifactRequest) (*Outcome, error)

	// Refund returns credits for the debit recorded under ReferenceID, never
	// more than that debit took.
	Refund(ctx context.Context, req RefundRequest) (balancedomain.ApplyResult, error)
	Grant(ctx context.Context, req GrantRequest) (balancedomain.ApplyResult, error)
	Adjust(ctx context.Context, req AdjustRequest) (balancedomain.ApplyResult, error)

	ListFailures(ctx context.Context, status FailureStatus, limit int) ([]ChargeFailure, error)
	GetFailure(ctx context.Context, id snowflake.ID) (*ChargeFailure, error)
	// RetryFailures replays pending debits. Rows exceeding maxAttempts are abandoned.
	RetryFailures(ctx context.Context, limit, maxAttempts int) (RetrySummary, error)
	CountPendingFailures(ctx context.Context) (int64, error)
}
