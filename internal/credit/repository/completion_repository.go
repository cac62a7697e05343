package repository

import (
	"context"
	"errors"

	"github.com/smallbiznis/taleforge/internal/credit/domain"
	pkgdb "github.com/smallbiznis/taleforge/pkg/db"
	"gorm.io/gorm"
)

type completionRepo struct{}

func ProvideCompletions() domain.CompletionRepository {
	return &completionRepo{}
}

func (r *completionRepo) Insert(ctx context.Context, db *gorm.DB, completion *domain.Completion) (bool, error) {
	err := db.WithContext(ctx).Create(completion).Error
	if pkgdb.IsDuplicateKeyErr(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *completionRepo) Find(ctx context.Context, db *gorm.DB, userID, kind, referenceID string) (*domain.Completion, error) {
	var completion domain.Completion
	err := db.WithContext(ctx).
		Where("user_id = ? AND kind = ? AND reference_id = ?", userID, kind, referenceID).
		Take(&completion).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &completion, nil
}
