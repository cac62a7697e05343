package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/taleforge/internal/balance/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertAccount(ctx context.Context, db *gorm.DB, account *domain.Account) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO accounts (user_id, current_balance, initial_balance, subscription_tier, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		account.UserID,
		account.CurrentBalance,
		account.InitialBalance,
		account.SubscriptionTier,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindAccount(ctx context.Context, db *gorm.DB, userID string) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, current_balance, initial_balance, subscription_tier, created_at, updated_at
		 FROM accounts WHERE user_id = ?`,
		userID,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.UserID == "" {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) UpdateTier(ctx context.Context, db *gorm.DB, userID string, tier domain.Tier, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE accounts SET subscription_tier = ?, updated_at = ? WHERE user_id = ?`,
		tier,
		now,
		userID,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) AdjustBalance(ctx context.Context, db *gorm.DB, userID string, amount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET current_balance = current_balance + ?, updated_at = ?
		 WHERE user_id = ? AND current_balance + ? >= 0`,
		amount,
		now,
		userID,
		amount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ListUserIDs(ctx context.Context, db *gorm.DB, afterUserID string, limit int) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Raw(
		`SELECT user_id FROM accounts WHERE user_id > ? ORDER BY user_id ASC LIMIT ?`,
		afterUserID,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *domain.Transaction) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions (id, user_id, amount, reason, reference_id, balance_after, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, reference_id, reason) DO NOTHING`,
		txn.ID,
		txn.UserID,
		txn.Amount,
		txn.Reason,
		txn.ReferenceID,
		txn.BalanceAfter,
		txn.Metadata,
		txn.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) SetBalanceAfter(ctx context.Context, db *gorm.DB, id snowflake.ID, balanceAfter int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credit_transactions SET balance_after = ? WHERE id = ?`,
		balanceAfter,
		id,
	).Error
}

func (r *repo) FindTransaction(ctx context.Context, db *gorm.DB, userID, referenceID string, reason domain.Reason) (*domain.Transaction, error) {
	var txn domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, amount, reason, reference_id, balance_after, metadata, created_at
		 FROM credit_transactions
		 WHERE user_id = ? AND reference_id = ? AND reason = ?`,
		userID,
		referenceID,
		reason,
	).Scan(&txn).Error
	if err != nil {
		return nil, err
	}
	if txn.ID == 0 {
		return nil, nil
	}
	return &txn, nil
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, filter domain.TransactionFilter, after *domain.TransactionCursor, limit int) ([]*domain.Transaction, error) {
	var items []*domain.Transaction
	stmt := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("user_id = ?", filter.UserID)
	if len(filter.Reasons) > 0 {
		reasons := make([]string, 0, len(filter.Reasons))
		for _, reason := range filter.Reasons {
			reasons = append(reasons, string(reason))
		}
		stmt = stmt.Where("reason IN ?", reasons)
	}
	if filter.ReferenceID != "" {
		stmt = stmt.Where("reference_id = ?", filter.ReferenceID)
	}
	if filter.Since != nil {
		stmt = stmt.Where("created_at >= ?", filter.Since.UTC())
	}
	if filter.Until != nil {
		stmt = stmt.Where("created_at < ?", filter.Until.UTC())
	}
	if after != nil {
		stmt = stmt.Where("((created_at < ?) OR (created_at = ? AND id < ?))", after.CreatedAt, after.CreatedAt, after.ID)
	}
	err := stmt.
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) SumTransactions(ctx context.Context, db *gorm.DB, userID string) (int64, int64, error) {
	var row struct {
		Total int64
		Count int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) AS total, COUNT(*) AS count
		 FROM credit_transactions WHERE user_id = ?`,
		userID,
	).Scan(&row).Error
	if err != nil {
		return 0, 0, err
	}
	return row.Total, row.Count, nil
}
