package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/taleforge/internal/clock"
	"github.com/smallbiznis/taleforge/internal/usagelimit/domain"
	"gorm.io/gorm"
)

// SQLCounter keeps one usage_windows row per (user, feature). Rows are created
// lazily and reset in place once their window has elapsed.
type SQLCounter struct {
	db     *gorm.DB
	clock  clock.Clock
	window time.Duration
}

func NewSQLCounter(db *gorm.DB, clk clock.Clock, window time.Duration) *SQLCounter {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &SQLCounter{db: db, clock: clk, window: window}
}

func (c *SQLCounter) TryConsume(ctx context.Context, userID, feature string, limit int64) (domain.Usage, error) {
	userID, feature, err := domain.ValidateKey(userID, feature)
	if err != nil {
		return domain.Usage{}, err
	}
	if limit <= 0 {
		return domain.UnlimitedUsage(), nil
	}

	now := c.clock.Now().UTC()
	cutoff := now.Add(-c.window)

	var (
		consumed bool
		row      *domain.Window
	)
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			`INSERT INTO usage_windows (user_id, feature, count, window_start, updated_at)
			 VALUES (?, ?, 0, ?, ?)
			 ON CONFLICT (user_id, feature) DO NOTHING`,
			userID, feature, now, now,
		).Error; err != nil {
			return err
		}

		result := tx.Exec(
			`UPDATE usage_windows
			 SET count = CASE WHEN window_start <= ? THEN 1 ELSE count + 1 END,
			     window_start = CASE WHEN window_start <= ? THEN ? ELSE window_start END,
			     updated_at = ?
			 WHERE user_id = ? AND feature = ? AND (window_start <= ? OR count < ?)`,
			cutoff, cutoff, now, now,
			userID, feature, cutoff, limit,
		)
		if result.Error != nil {
			return result.Error
		}
		consumed = result.RowsAffected > 0

		var err error
		row, err = c.find(ctx, tx, userID, feature)
		return err
	})
	if err != nil {
		return domain.Usage{}, err
	}
	if row == nil {
		return domain.Compute(consumed, 0, limit, now, c.window), nil
	}
	return domain.Compute(consumed, row.Count, limit, row.WindowStart, c.window), nil
}

func (c *SQLCounter) Peek(ctx context.Context, userID, feature string, limit int64) (domain.Usage, error) {
	userID, feature, err := domain.ValidateKey(userID, feature)
	if err != nil {
		return domain.Usage{}, err
	}
	if limit <= 0 {
		return domain.UnlimitedUsage(), nil
	}

	now := c.clock.Now().UTC()
	row, err := c.find(ctx, c.db, userID, feature)
	if err != nil {
		return domain.Usage{}, err
	}
	if row == nil || row.Expired(now, c.window) {
		return domain.Compute(true, 0, limit, now, c.window), nil
	}
	return domain.Compute(row.Count < limit, row.Count, limit, row.WindowStart, c.window), nil
}

func (c *SQLCounter) Release(ctx context.Context, userID, feature string) error {
	userID, feature, err := domain.ValidateKey(userID, feature)
	if err != nil {
		return err
	}
	now := c.clock.Now().UTC()
	return c.db.WithContext(ctx).Exec(
		`UPDATE usage_windows
		 SET count = count - 1, updated_at = ?
		 WHERE user_id = ? AND feature = ? AND count > 0 AND window_start > ?`,
		now, userID, feature, now.Add(-c.window),
	).Error
}

func (c *SQLCounter) find(ctx context.Context, db *gorm.DB, userID, feature string) (*domain.Window, error) {
	var row domain.Window
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, feature, count, window_start, updated_at
		 FROM usage_windows WHERE user_id = ? AND feature = ?`,
		userID, feature,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.UserID == "" {
		return nil, nil
	}
	return &row, nil
}
