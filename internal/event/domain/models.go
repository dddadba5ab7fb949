// Package domain contains normalized lifecycle event models shared by the
// ingestion pipeline, the command gateway and the reconciler.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	// ErrUnknownProvider is returned for webhook sources with no registered normalizer.
	ErrUnknownProvider = errors.New("event: unknown provider")
	// ErrMalformedPayload is returned when a provider payload cannot be decoded.
	ErrMalformedPayload = errors.New("event: malformed payload")
	// ErrMissingField is returned when a payload decodes but lacks a required field.
	ErrMissingField = errors.New("event: missing required field")
)

// Provider identifies the upstream source of a lifecycle event.
type Provider string

const (
	ProviderCardBilling Provider = "card_billing"
	ProviderAppStore    Provider = "app_store"
)

// Kind is the normalized lifecycle event type.
type Kind string

const (
	KindActivated            Kind = "ACTIVATED"
	KindRenewed              Kind = "RENEWED"
	KindRenewalFailed        Kind = "RENEWAL_FAILED"
	KindAutoRenewDisabled    Kind = "AUTO_RENEW_DISABLED"
	KindAutoRenewEnabled     Kind = "AUTO_RENEW_ENABLED"
	KindCancelled            Kind = "CANCELLED"
	KindExpired              Kind = "EXPIRED"
	KindRefunded             Kind = "REFUNDED"
	KindPlanChanged          Kind = "PLAN_CHANGED"
	KindProvisionalPurchase  Kind = "PROVISIONAL_PURCHASE"
	KindProvisionalCancelReq Kind = "PROVISIONAL_CANCEL_REQUEST"
	KindUnrecognized         Kind = "UNRECOGNIZED"
)

// Provenance records which subsystem produced the event.
type Provenance string

const (
	ProvenanceProvider   Provenance = "PROVIDER"
	ProvenanceReconciler Provenance = "RECONCILER"
	ProvenanceClient     Provenance = "CLIENT"
)

// LifecycleEvent is a normalized subscription lifecycle event. Every event
// that passes the idempotency gate is appended here, including synthetic
// events emitted by reconciliation sweeps.
type LifecycleEvent struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	EventID         string            `gorm:"type:text;not null;uniqueIndex"`
	Provider        Provider          `gorm:"type:text;not null;index"`
	Kind            Kind              `gorm:"type:text;not null"`
	Provenance      Provenance        `gorm:"type:text;not null"`
	UserID          string            `gorm:"type:text;not null;index"`
	SubscriptionRef string            `gorm:"type:text;not null;index"`
	Tier            string            `gorm:"type:text"`
	BillingCycle    string            `gorm:"type:text"`
	PeriodEnd       *time.Time        `gorm:""`
	GraceUntil      *time.Time        `gorm:""`
	ObservedAt      time.Time         `gorm:"not null"`
	ReceivedAt      time.Time         `gorm:"not null"`
	Payload         datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LifecycleEvent) TableName() string { return "lifecycle_events" }

// DeadLetter parks a payload that could not be normalized or admitted, so
// the original bytes survive for manual replay.
type DeadLetter struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	Provider   string       `gorm:"type:text;not null;index"`
	Reason     string       `gorm:"type:text;not null"`
	Payload    []byte       `gorm:"type:bytea"`
	ReceivedAt time.Time    `gorm:"not null"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DeadLetter) TableName() string { return "dead_letters" }

// AuthoritativeKinds lists kinds that may change subscription state.
func (k Kind) Authoritative() bool {
	switch k {
	case KindActivated, KindRenewed, KindRenewalFailed, KindAutoRenewDisabled,
		KindAutoRenewEnabled, KindCancelled, KindExpired, KindRefunded,
		KindPlanChanged:
		return true
	default:
		return false
	}
}

// Provisional reports whether the event is a client-originated hint.
func (k Kind) Provisional() bool {
	return k == KindProvisionalPurchase || k == KindProvisionalCancelReq
}
