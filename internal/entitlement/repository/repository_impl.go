package repository

import (
	"context"
	"errors"

	"github.com/finchbill/entitled/internal/entitlement/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, entitlement *domain.UserEntitlement) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"tier",
				"resource_limit",
				"granting",
				"source_status",
				"source_provider",
				"source_ref",
				"period_end",
				"computed_at",
				"updated_at",
			}),
		}).
		Create(entitlement).Error
}

func (r *repo) FindByUser(ctx context.Context, db *gorm.DB, userID string) (*domain.UserEntitlement, error) {
	var item domain.UserEntitlement
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}
