package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type FailureRepository interface {
	// Record upserts by (user, reference, kind), bumping attempts on conflict.
	Record(ctx context.Context, db *gorm.DB, failure *ChargeFailure) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ChargeFailure, error)
	List(ctx context.Context, db *gorm.DB, status FailureStatus, limit int) ([]ChargeFailure, error)
	MarkAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, status FailureStatus, now time.Time) error
	MarkResolved(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	CountByStatus(ctx context.Context, db *gorm.DB, status FailureStatus) (int64, error)
}

type CompletionRepository interface {
	// Insert reports false when the reference was already recorded.
	Insert(ctx context.Context, db *gorm.DB, completion *Completion) (bool, error)
	Find(ctx context.Context, db *gorm.DB, userID, kind, referenceID string) (*Completion, error)
}
