package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type TransactionFilter struct {
	UserID      string
	Reasons     []Reason
	ReferenceID string
	Since       *time.Time
	Until       *time.Time
}

// TransactionCursor is the keyset position after which a page starts.
type TransactionCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type Repository interface {
	InsertAccount(ctx context.Context, db *gorm.DB, account *Account) (bool, error)
	FindAccount(ctx context.Context, db *gorm.DB, userID string) (*Account, error)
	UpdateTier(ctx context.Context, db *gorm.DB, userID string, tier Tier, now time.Time) (int64, error)
	// AdjustBalance adds amount unless the result would go below zero.
	// It reports false when no row qualified.
	AdjustBalance(ctx context.Context, db *gorm.DB, userID string, amount int64, now time.Time) (bool, error)
	ListUserIDs(ctx context.Context, db *gorm.DB, afterUserID string, limit int) ([]string, error)

	InsertTransaction(ctx context.Context, db *gorm.DB, txn *Transaction) (bool, error)
	SetBalanceAfter(ctx context.Context, db *gorm.DB, id snowflake.ID, balanceAfter int64) error
	FindTransaction(ctx context.Context, db *gorm.DB, userID, referenceID string, reason Reason) (*Transaction, error)
	ListTransactions(ctx context.Context, db *gorm.DB, filter TransactionFilter, after *TransactionCursor, limit int) ([]*Transaction, error)
	SumTransactions(ctx context.Context, db *gorm.DB, userID string) (sum int64, count int64, err error)
}
