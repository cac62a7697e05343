package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord is the dedupe log of every verified webhook delivery.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event_id,priority:1"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event_id,priority:2"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	UserID          string         `json:"user_id" gorm:"type:text;not null;default:'';index"`
	Credits         int64          `json:"credits" gorm:"not null;default:0"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

const (
	EventTypeCreditsPurchased     = "credits_purchased"
	EventTypeSubscriptionRenewed  = "subscription_renewed"
	EventTypeSubscriptionCanceled = "subscription_canceled"
)

// PaymentEvent is the canonical event parsed by adapters.
type PaymentEvent struct {
	Provider          string
	ProviderEventID   string
	ProviderPaymentID string
	Type              string
	UserID            string
	Credits           int64
	Tier              string
	Amount            int64
	Currency          string
	OccurredAt        time.Time
	RawPayload        []byte
}

// IngestResult tells the webhook caller what happened to a delivery.
type IngestResult struct {
	Provider        string `json:"provider"`
	ProviderEventID string `json:"provider_event_id,omitempty"`
	EventType       string `json:"event_type,omitempty"`
	Ignored         bool   `json:"ignored"`
	Duplicate       bool   `json:"duplicate"`
	TransactionID   string `json:"transaction_id,omitempty"`
	NewBalance      *int64 `json:"new_balance,omitempty"`
}
