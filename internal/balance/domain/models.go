package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Tier is the subscription level of an account.
type Tier string

const (
	TierFree    Tier = "free"
	TierStarter Tier = "starter"
	TierPremium Tier = "premium"
)

func ParseTier(raw string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierFree:
		return TierFree, nil
	case TierStarter:
		return TierStarter, nil
	case TierPremium:
		return TierPremium, nil
	default:
		return "", ErrInvalidTier
	}
}

// Paid reports whether the tier unlocks subscription-gated operations.
func (t Tier) Paid() bool {
	return t == TierStarter || t == TierPremium
}

// Reason tags why a transaction moved credits.
type Reason string

const (
	ReasonStoryText           Reason = "story_text"
	ReasonStorySegment        Reason = "story_segment"
	ReasonImage               Reason = "image"
	ReasonCharacterImage      Reason = "character_image"
	ReasonAudio               Reason = "audio"
	ReasonVideo               Reason = "video"
	ReasonPurchase            Reason = "purchase"
	ReasonSubscriptionRenewal Reason = "subscription_renewal"
	ReasonRefund              Reason = "refund"
	ReasonAdminAdjustment     Reason = "admin_adjustment"
)

func ParseReason(raw string) (Reason, error) {
	reason := Reason(strings.ToLower(strings.TrimSpace(raw)))
	if reason.Valid() {
		return reason, nil
	}
	return "", ErrInvalidReason
}

func (r Reason) Valid() bool {
	switch r {
	case ReasonStoryText, ReasonStorySegment, ReasonImage, ReasonCharacterImage,
		ReasonAudio, ReasonVideo,
		ReasonPurchase, ReasonSubscriptionRenewal, ReasonRefund, ReasonAdminAdjustment:
		return true
	default:
		return false
	}
}

// Spend reports whether the reason records consumption of a generation.
func (r Reason) Spend() bool {
	switch r {
	case ReasonStoryText, ReasonStorySegment, ReasonImage, ReasonCharacterImage, ReasonAudio, ReasonVideo:
		return true
	default:
		return false
	}
}

// Account holds one user's balance. InitialBalance is the welcome seed and never changes.
type Account struct {
	UserID           string    `gorm:"primaryKey;type:text" json:"user_id"`
	CurrentBalance   int64     `gorm:"not null;check:current_balance >= 0" json:"current_balance"`
	InitialBalance   int64     `gorm:"not null" json:"initial_balance"`
	SubscriptionTier Tier      `gorm:"type:text;not null;default:'free'" json:"subscription_tier"`
	CreatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }

// Transaction is an immutable ledger row.
type Transaction struct {
	ID           snowflake.ID      `gorm:"primaryKey" json:"id"`
	UserID       string            `gorm:"type:text;not null;uniqueIndex:ux_credit_transactions_idempotency,priority:1;index:ix_credit_transactions_user_created,priority:1" json:"user_id"`
	Amount       int64             `gorm:"not null" json:"amount"`
	Reason       Reason            `gorm:"type:text;not null;uniqueIndex:ux_credit_transactions_idempotency,priority:3" json:"reason"`
	ReferenceID  string            `gorm:"type:text;not null;uniqueIndex:ux_credit_transactions_idempotency,priority:2" json:"reference_id"`
	BalanceAfter int64             `gorm:"not null" json:"balance_after"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata,omitempty"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index:ix_credit_transactions_user_created,priority:2" json:"created_at"`
}

func (Transaction) TableName() string { return "credit_transactions" }

// ReconcileReport compares an account's balance movement with its ledger.
type ReconcileReport struct {
	UserID           string `json:"user_id"`
	CurrentBalance   int64  `json:"current_balance"`
	InitialBalance   int64  `json:"initial_balance"`
	LedgerSum        int64  `json:"ledger_sum"`
	TransactionCount int64  `json:"transaction_count"`
	Drift            int64  `json:"drift"`
	Consistent       bool   `json:"consistent"`
}
