// Package domain contains the derived entitlement models. Entitlements are a
// projection of subscription records and are recomputed, never directly edited.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/finchbill/entitled/internal/subscription/domain"
	"gorm.io/gorm"
)

// UserEntitlement is the materialized current entitlement for one user.
type UserEntitlement struct {
	ID             snowflake.ID              `gorm:"primaryKey"`
	UserID         string                    `gorm:"type:text;not null;uniqueIndex"`
	Tier           string                    `gorm:"type:text;not null"`
	ResourceLimit  int64                     `gorm:"not null"`
	Granting       bool                      `gorm:"not null;default:false"`
	SourceStatus   subscriptiondomain.Status `gorm:"type:text"`
	SourceProvider string                    `gorm:"type:text"`
	SourceRef      string                    `gorm:"type:text"`
	PeriodEnd      *time.Time                `gorm:""`
	ComputedAt     time.Time                 `gorm:"not null"`
	CreatedAt      time.Time                 `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time                 `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UserEntitlement) TableName() string { return "user_entitlements" }

// Repository persists materialized entitlements.
type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, entitlement *UserEntitlement) error
	FindByUser(ctx context.Context, db *gorm.DB, userID string) (*UserEntitlement, error)
}
