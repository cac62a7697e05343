package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/taleforge/internal/pricing"
	"gorm.io/datatypes"
)

// State is a step of the charge-after-success protocol.
type State string

const (
	StateQuoting      State = "quoting"
	StateChecking     State = "checking"
	StateDenied       State = "denied"
	StateExecuting    State = "executing"
	StateFailed       State = "failed"
	StateCharging     State = "charging"
	StateCompleted    State = "completed"
	StateChargeFailed State = "charge_failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateDenied, StateFailed, StateCompleted, StateChargeFailed:
		return true
	default:
		return false
	}
}

// Artifact is whatever the work produced. ID doubles as the charge reference
// when the request carries none.
type Artifact struct {
	ID      string `json:"id"`
	Payload any    `json:"payload,omitempty"`
}

// WorkFunc performs the generation. It runs detached from caller cancellation.
type WorkFunc func(ctx context.Context) (Artifact, error)

type ChargeRequest struct {
	UserID string
	Kind   pricing.Kind
	Inputs pricing.Inputs
	// ReferenceID is a stable client request id. Retries carrying the same
	// value never run work twice once the first attempt was charged.
	ReferenceID string
	Metadata    map[string]any
}

// ChargeArtifactRequest charges for work that already happened elsewhere.
type ChargeArtifactRequest struct {
	ChargeRequest
	ArtifactID string
}

type Outcome struct {
	State         State         `json:"state"`
	Quote         pricing.Quote `json:"quote"`
	Artifact      *Artifact     `json:"artifact,omitempty"`
	NewBalance    int64         `json:"new_balance"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Replayed      bool          `json:"replayed"`
}

type RefundRequest struct {
	UserID      string
	Amount      int64
	ReferenceID string
	Metadata    map[string]any
}

type GrantRequest struct {
	UserID      string
	Amount      int64
	Reason      string
	ReferenceID string
	Metadata    map[string]any
}

type AdjustRequest struct {
	UserID      string
	Amount      int64
	ReferenceID string
	Note        string
	Actor       string
}

type FailureStatus string

const (
	FailureStatusPending   FailureStatus = "pending"
	FailureStatusResolved  FailureStatus = "resolved"
	FailureStatusAbandoned FailureStatus = "abandoned"
)

// ChargeFailure is a debit that could not be recorded after retries.
type ChargeFailure struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id"`
	UserID      string            `gorm:"type:text;not null;uniqueIndex:ux_charge_failures_reference,priority:1" json:"user_id"`
	Kind        string            `gorm:"type:text;not null;uniqueIndex:ux_charge_failures_reference,priority:3" json:"kind"`
	Amount      int64             `gorm:"not null" json:"amount"`
	ReferenceID string            `gorm:"type:text;not null;uniqueIndex:ux_charge_failures_reference,priority:2" json:"reference_id"`
	ArtifactID  string            `gorm:"type:text;not null" json:"artifact_id"`
	LastError   string            `gorm:"type:text;not null;default:''" json:"last_error"`
	Attempts    int               `gorm:"not null;default:0" json:"attempts"`
	Status      FailureStatus     `gorm:"type:text;not null;index" json:"status"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt   time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"not null" json:"updated_at"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
}

func (ChargeFailure) TableName() string { return "charge_failures" }

// Completion marks a zero-cost operation that finished. Free work leaves no
// ledger row, so this is what a retry with the same reference replays from.
type Completion struct {
	UserID      string    `gorm:"primaryKey;type:text" json:"user_id"`
	Kind        string    `gorm:"primaryKey;type:text" json:"kind"`
	ReferenceID string    `gorm:"primaryKey;type:text" json:"reference_id"`
	ArtifactID  string    `gorm:"type:text;not null" json:"artifact_id"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
}

func (Completion) TableName() string { return "charge_completions" }

// RetrySummary counts what one pass over pending failures did.
type RetrySummary struct {
	Scanned   int `json:"scanned"`
	Resolved  int `json:"resolved"`
	Retrying  int `json:"retrying"`
	Abandoned int `json:"abandoned"`
}
