package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/taleforge/internal/credit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.FailureRepository {
	return &repo{}
}

func (r *repo) Record(ctx context.Context, db *gorm.DB, failure *domain.ChargeFailure) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO charge_failures (
			id, user_id, kind, amount, reference_id, artifact_id, last_error,
			attempts, status, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, reference_id, kind) DO UPDATE SET
			last_error = excluded.last_error,
			attempts = charge_failures.attempts + excluded.attempts,
			status = excluded.status,
			updated_at = excluded.updated_at,
			resolved_at = NULL`,
		failure.ID,
		failure.UserID,
		failure.Kind,
		failure.Amount,
		failure.ReferenceID,
		failure.ArtifactID,
		failure.LastError,
		failure.Attempts,
		failure.Status,
		failure.Metadata,
		failure.CreatedAt,
		failure.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.ChargeFailure, error) {
	var failure domain.ChargeFailure
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, kind, amount, reference_id, artifact_id, last_error,
			attempts, status, metadata, created_at, updated_at, resolved_at
		 FROM charge_failures WHERE id = ?`,
		id,
	).Scan(&failure).Error
	if err != nil {
		return nil, err
	}
	if failure.ID == 0 {
		return nil, nil
	}
	return &failure, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, status domain.FailureStatus, limit int) ([]domain.ChargeFailure, error) {
	var items []domain.ChargeFailure
	stmt := db.WithContext(ctx).Model(&domain.ChargeFailure{})
	if status != "" {
		stmt = stmt.Where("status = ?", status)
	}
	err := stmt.Order("created_at asc, id asc").Limit(limit).Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) MarkAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, status domain.FailureStatus, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE charge_failures
		 SET attempts = attempts + 1, last_error = ?, status = ?, updated_at = ?
		 WHERE id = ?`,
		lastError,
		status,
		now,
		id,
	).Error
}

func (r *repo) MarkResolved(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE charge_failures
		 SET status = ?, updated_at = ?, resolved_at = ?
		 WHERE id = ?`,
		domain.FailureStatusResolved,
		now,
		now,
		id,
	).Error
}

func (r *repo) CountByStatus(ctx context.Context, db *gorm.DB, status domain.FailureStatus) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM charge_failures WHERE status = ?`,
		status,
	).Scan(&count).Error
	return count, err
}
