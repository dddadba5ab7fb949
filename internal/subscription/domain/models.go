// Package domain contains persistence models for subscription records.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ErrRecordNotFound is returned when no record exists for a provider ref.
var ErrRecordNotFound = errors.New("subscription: record not found")

// Status represents lifecycle states for a subscription record.
type Status string

const (
	StatusActive        Status = "ACTIVE"
	StatusGrace         Status = "GRACE"
	StatusCancelPending Status = "CANCEL_PENDING"
	StatusCancelled     Status = "CANCELLED"
	StatusExpired       Status = "EXPIRED"
	StatusRefunded      Status = "REFUNDED"
)

// Granting reports whether the status can contribute an entitlement.
func (s Status) Granting() bool {
	switch s {
	case StatusActive, StatusGrace, StatusCancelPending:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends the subscription lineage.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusExpired, StatusRefunded:
		return true
	default:
		return false
	}
}

// SubscriptionRecord is the current state of one provider subscription.
// There is exactly one row per (provider, subscription_ref).
type SubscriptionRecord struct {
	ID                   snowflake.ID `gorm:"primaryKey"`
	Provider             string       `gorm:"type:text;not null;uniqueIndex:idx_provider_ref"`
	SubscriptionRef      string       `gorm:"type:text;not null;uniqueIndex:idx_provider_ref"`
	UserID               string       `gorm:"type:text;not null;index"`
	Status               Status       `gorm:"type:text;not null;index"`
	Tier                 string       `gorm:"type:text;not null"`
	BillingCycle         string       `gorm:"type:text"`
	PeriodEnd            *time.Time   `gorm:""`
	GraceUntil           *time.Time   `gorm:""`
	Provisional          bool         `gorm:"not null;default:false"`
	ProvisionalExpiresAt *time.Time   `gorm:""`
	LastEventID          string       `gorm:"type:text;not null"`
	LastObservedAt       time.Time    `gorm:"not null"`
	CreatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SubscriptionRecord) TableName() string { return "subscription_records" }

// Audit actions.
const (
	AuditActionCorrection = "CORRECTION"
	AuditActionSupersede  = "SUPERSEDE"
)

// ReconciliationAudit is one divergence correction or supersede mark. Rows
// are append-only and exist for operators tracing why an entitlement moved
// without a provider webhook.
type ReconciliationAudit struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	Provider        string       `gorm:"type:text;not null;index"`
	SubscriptionRef string       `gorm:"type:text;not null;index"`
	UserID          string       `gorm:"type:text;not null;index"`
	Action          string       `gorm:"type:text;not null"`
	FromStatus      Status       `gorm:"type:text"`
	ToStatus        Status       `gorm:"type:text"`
	EventID         string       `gorm:"type:text"`
	Detail          string       `gorm:"type:text"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ReconciliationAudit) TableName() string { return "reconciliation_audits" }
