package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*EventRecord, error)
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
	ListEvents(ctx context.Context, db *gorm.DB, filter EventFilter) ([]EventRecord, error)
}

// EventFilter narrows the webhook log for operators. Limit is normalized by
// the service.
type EventFilter struct {
	Provider        string
	UserID          string
	UnprocessedOnly bool
	Limit           int
}

type Service interface {
	// IngestWebhook verifies, logs and applies a provider delivery. Redelivered
	// events are reported as duplicates and change nothing.
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (IngestResult, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]EventRecord, error)
}
