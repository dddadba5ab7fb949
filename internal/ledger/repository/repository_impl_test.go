package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/finchbill/entitled/internal/ledger/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) (*gorm.DB, *snowflake.Node) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Entry{}))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return db, node
}

func TestAdmit_FirstInsertWins(t *testing.T) {
	db, node := newTestDB(t)
	repo := Provide()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	admitted, err := repo.Admit(context.Background(), db, &domain.Entry{
		ID:         node.Generate(),
		EventID:    "evt_1",
		Provider:   "card_billing",
		Outcome:    domain.OutcomePending,
		AdmittedAt: now,
	})
	require.NoError(t, err)
	assert.True(t, admitted)

	// Same event id, different row id: the unique constraint is the gate.
	again, err := repo.Admit(context.Background(), db, &domain.Entry{
		ID:         node.Generate(),
		EventID:    "evt_1",
		Provider:   "card_billing",
		Outcome:    domain.OutcomePending,
		AdmittedAt: now.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, again)

	var count int64
	require.NoError(t, db.Model(&domain.Entry{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAdmitStmt_PerDialect(t *testing.T) {
	// MySQL has no ON CONFLICT clause; every other supported dialect does.
	assert.Contains(t, admitStmt("mysql"), "INSERT IGNORE")
	assert.NotContains(t, admitStmt("mysql"), "ON CONFLICT")
	assert.Contains(t, admitStmt("postgres"), "ON CONFLICT (event_id) DO NOTHING")
	assert.Contains(t, admitStmt("sqlite"), "ON CONFLICT (event_id) DO NOTHING")
}

func TestMarkOutcome(t *testing.T) {
	db, node := newTestDB(t)
	repo := Provide()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	_, err := repo.Admit(context.Background(), db, &domain.Entry{
		ID:         node.Generate(),
		EventID:    "evt_1",
		Provider:   "card_billing",
		Outcome:    domain.OutcomePending,
		AdmittedAt: now,
	})
	require.NoError(t, err)

	require.NoError(t, repo.MarkOutcome(context.Background(), db, "evt_1", domain.OutcomeStale, "stale", "a1b2"))

	entry, err := repo.FindByEventID(context.Background(), db, "evt_1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, domain.OutcomeStale, entry.Outcome)
	assert.Equal(t, "stale", entry.Detail)
	assert.Equal(t, "a1b2", entry.StatusHash)
}

func TestFindByEventID_Missing(t *testing.T) {
	db, _ := newTestDB(t)
	repo := Provide()

	entry, err := repo.FindByEventID(context.Background(), db, "evt_unknown")
	require.NoError(t, err)
	assert.Nil(t, entry)
}
