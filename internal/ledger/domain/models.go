// Package domain contains the idempotency ledger models. The ledger's unique
// constraint on event_id is the single admission gate for the whole pipeline.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Outcome records what the pipeline did with an admitted event.
type Outcome string

const (
	OutcomePending Outcome = "PENDING"
	OutcomeApplied Outcome = "APPLIED"
	OutcomeIgnored Outcome = "IGNORED"
	OutcomeStale   Outcome = "STALE"
)

// Entry is one admitted event id with its processing outcome. Admission
// happens before any state is touched, so retries and duplicate webhook
// deliveries collapse onto the first row.
type Entry struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	EventID    string       `gorm:"type:text;not null;uniqueIndex"`
	Provider   string       `gorm:"type:text;not null;index"`
	Outcome    Outcome      `gorm:"type:text;not null"`
	Detail     string       `gorm:"type:text"`
	StatusHash string       `gorm:"type:text"`
	AdmittedAt time.Time    `gorm:"not null"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Entry) TableName() string { return "idempotency_ledger" }

// Repository persists ledger entries.
type Repository interface {
	// Admit inserts the entry, returning false when the event id already exists.
	Admit(ctx context.Context, db *gorm.DB, entry *Entry) (bool, error)
	FindByEventID(ctx context.Context, db *gorm.DB, eventID string) (*Entry, error)
	// MarkOutcome finalizes the entry once the transition is decided. The
	// status hash fingerprints the resulting record state so replays can be
	// verified against what the first delivery produced.
	MarkOutcome(ctx context.Context, db *gorm.DB, eventID string, outcome Outcome, detail, statusHash string) error
}
