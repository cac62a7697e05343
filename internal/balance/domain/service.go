package domain

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/smallbiznis/taleforge/pkg/db/pagination"
)

type CreateAccountRequest struct {
	UserID string
	Tier   Tier
}

type ApplyRequest struct {
	UserID      string
	Amount      int64
	Reason      Reason
	ReferenceID string
	Metadata    map[string]any
}

type ApplyResult struct {
	TransactionID string `json:"transaction_id"`
	NewBalance    int64  `json:"new_balance"`
	// Replayed is set when the idempotency key already existed and nothing changed.
	Replayed bool `json:"replayed"`
}

type ListTransactionsRequest struct {
	UserID      string
	Reasons     []Reason
	ReferenceID string
	Since       *time.Time
	Until       *time.Time
	PageToken   string
	PageSize    int
}

type ListTransactionsResponse struct {
	Transactions []Transaction      `json:"transactions"`
	PageInfo     pagination.PageInfo `json:"page_info"`
}

type Service interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	GetAccount(ctx context.Context, userID string) (*Account, error)
	CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error)
	UpdateTier(ctx context.Context, userID string, tier Tier) error

	// ApplyTransaction moves credits atomically and at most once per
	// (user, reference, reason).
	ApplyTransaction(ctx context.Context, req ApplyRequest) (ApplyResult, error)
	FindTransaction(ctx context.Context, userID, referenceID string, reason Reason) (*Transaction, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
	// Transactions yields every matching transaction newest first, fetching
	// pages lazily. Ranging over it again starts from the beginning.
	Transactions(ctx context.Context, req ListTransactionsRequest) iter.Seq2[Transaction, error]

	Reconcile(ctx context.Context, userID string) (ReconcileReport, error)
	ListUserIDs(ctx context.Context, afterUserID string, limit int) ([]string, error)
}

var (
	ErrNotFound          = errors.New("account_not_found")
	ErrInsufficientFunds = errors.New("insufficient_funds")
	ErrInvalidUser       = errors.New("invalid_user_id")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidReason     = errors.New("invalid_reason")
	ErrInvalidReference  = errors.New("invalid_reference_id")
	ErrInvalidTier       = errors.New("invalid_subscription_tier")
	ErrReplayConflict    = errors.New("idempotency_replay_conflict")
)

// IsPermanent reports errors that another attempt cannot fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidUser) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidReason) ||
		errors.Is(err, ErrInvalidReference)
}
