package repository

import (
	"context"

	"github.com/finchbill/entitled/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Admit(ctx context.Context, db *gorm.DB, entry *domain.Entry) (bool, error) {
	res := db.WithContext(ctx).Exec(
		admitStmt(db.Dialector.Name()),
		entry.ID,
		entry.EventID,
		entry.Provider,
		entry.Outcome,
		entry.Detail,
		entry.StatusHash,
		entry.AdmittedAt,
		entry.AdmittedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// admitStmt picks the first-writer-wins insert for the dialect. MySQL has no
// ON CONFLICT clause, so it uses INSERT IGNORE instead.
func admitStmt(dialect string) string {
	if dialect == "mysql" {
		return `INSERT IGNORE INTO idempotency_ledger (
			id, event_id, provider, outcome, detail, status_hash, admitted_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	}
	return `INSERT INTO idempotency_ledger (
			id, event_id, provider, outcome, detail, status_hash, admitted_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`
}

func (r *repo) FindByEventID(ctx context.Context, db *gorm.DB, eventID string) (*domain.Entry, error) {
	var item domain.Entry
	err := db.WithContext(ctx).Raw(
		`SELECT id, event_id, provider, outcome, detail, status_hash, admitted_at, created_at
		 FROM idempotency_ledger
		 WHERE event_id = ?
		 LIMIT 1`,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkOutcome(ctx context.Context, db *gorm.DB, eventID string, outcome domain.Outcome, detail, statusHash string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE idempotency_ledger
		 SET outcome = ?, detail = ?, status_hash = ?
		 WHERE event_id = ?`,
		outcome,
		detail,
		statusHash,
		eventID,
	).Error
}
