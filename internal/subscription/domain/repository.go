package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *SubscriptionRecord) error
	Save(ctx context.Context, db *gorm.DB, record *SubscriptionRecord) error
	Find(ctx context.Context, db *gorm.DB, provider, subscriptionRef string) (*SubscriptionRecord, error)
	FindForUpdate(ctx context.Context, db *gorm.DB, provider, subscriptionRef string) (*SubscriptionRecord, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID string) ([]SubscriptionRecord, error)
	InsertAudit(ctx context.Context, db *gorm.DB, audit *ReconciliationAudit) error

	// Reconciliation sweeps. Each returns records needing attention,
	// bounded by limit so a single run cannot monopolize the table.
	ListStale(ctx context.Context, db *gorm.DB, provider string, cutoff time.Time, limit int) ([]SubscriptionRecord, error)
	ListGraceExpired(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]SubscriptionRecord, error)
	ListCancelDue(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]SubscriptionRecord, error)
	ListProvisionalExpired(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]SubscriptionRecord, error)
}
