package repository

import (
	"context"
	"errors"
	"time"

	"github.com/finchbill/entitled/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.SubscriptionRecord) error {
	return db.WithContext(ctx).Create(record).Error
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, record *domain.SubscriptionRecord) error {
	return db.WithContext(ctx).Save(record).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, provider, subscriptionRef string) (*domain.SubscriptionRecord, error) {
	var record domain.SubscriptionRecord
	err := db.WithContext(ctx).
		Where("provider = ? AND subscription_ref = ?", provider, subscriptionRef).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) FindForUpdate(ctx context.Context, db *gorm.DB, provider, subscriptionRef string) (*domain.SubscriptionRecord, error) {
	tx := db.WithContext(ctx)
	// sqlite serializes writers and rejects FOR UPDATE syntax.
	if tx.Dialector.Name() != "sqlite" {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var record domain.SubscriptionRecord
	err := tx.
		Where("provider = ? AND subscription_ref = ?", provider, subscriptionRef).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID string) ([]domain.SubscriptionRecord, error) {
	var records []domain.SubscriptionRecord
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) InsertAudit(ctx context.Context, db *gorm.DB, audit *domain.ReconciliationAudit) error {
	return db.WithContext(ctx).Create(audit).Error
}

func (r *repo) ListStale(ctx context.Context, db *gorm.DB, provider string, cutoff time.Time, limit int) ([]domain.SubscriptionRecord, error) {
	var records []domain.SubscriptionRecord
	err := db.WithContext(ctx).
		Where("provider = ? AND status IN ? AND period_end IS NOT NULL AND period_end <= ? AND provisional = ?",
			provider,
			[]domain.Status{domain.StatusActive, domain.StatusGrace, domain.StatusCancelPending},
			cutoff,
			false,
		).
		Order("period_end ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) ListGraceExpired(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.SubscriptionRecord, error) {
	var records []domain.SubscriptionRecord
	err := db.WithContext(ctx).
		Where("status = ? AND grace_until IS NOT NULL AND grace_until <= ?",
			domain.StatusGrace,
			cutoff,
		).
		Order("grace_until ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) ListCancelDue(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.SubscriptionRecord, error) {
	var records []domain.SubscriptionRecord
	err := db.WithContext(ctx).
		Where("status = ? AND period_end IS NOT NULL AND period_end <= ?",
			domain.StatusCancelPending,
			cutoff,
		).
		Order("period_end ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) ListProvisionalExpired(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.SubscriptionRecord, error) {
	var records []domain.SubscriptionRecord
	err := db.WithContext(ctx).
		Where("provisional = ? AND provisional_expires_at IS NOT NULL AND provisional_expires_at <= ?",
			true,
			cutoff,
		).
		Order("provisional_expires_at ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
