package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func capturedLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func TestQueryLogger_ErrorsLogAtErrorLevel(t *testing.T) {
	logs := capturedLogs(t)
	ql := NewQueryLogger(200 * time.Millisecond)

	ql.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "INSERT INTO idempotency_ledger VALUES (?)", 0
	}, errors.New("constraint violated"))

	entries := logs.FilterMessage("db.query").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "INSERT", entries[0].ContextMap()["verb"])
}

func TestQueryLogger_SlowQueryLogsAtWarn(t *testing.T) {
	logs := capturedLogs(t)
	ql := NewQueryLogger(time.Nanosecond)

	began := time.Now().Add(-time.Second)
	ql.Trace(context.Background(), began, func() (string, int64) {
		return "SELECT * FROM subscription_records", 3
	}, nil)

	entries := logs.FilterMessage("db.query").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.EqualValues(t, 3, entries[0].ContextMap()["rows"])
}

func TestQueryLogger_NotFoundSuppressedByDefault(t *testing.T) {
	logs := capturedLogs(t)
	ql := NewQueryLogger(time.Hour)

	ql.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "SELECT * FROM subscription_records WHERE id = ?", 0
	}, gormlogger.ErrRecordNotFound)

	assert.Empty(t, logs.FilterMessage("db.query").All())
}

func TestQueryLogger_FastQuerySilentAtWarnLevel(t *testing.T) {
	logs := capturedLogs(t)
	ql := NewQueryLogger(time.Hour)

	ql.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "SELECT 1", 1
	}, nil)

	assert.Empty(t, logs.All())
}

func TestQueryLogger_LogModeDoesNotMutateOriginal(t *testing.T) {
	ql := NewQueryLogger(time.Second)
	silenced := ql.LogMode(gormlogger.Silent)

	require.NotSame(t, ql, silenced)
	assert.Equal(t, gormlogger.Warn, ql.level)
}

func TestSQLVerb(t *testing.T) {
	tests := []struct {
		sql  string
		want string
	}{
		{"SELECT * FROM entitlements", "SELECT"},
		{"insert into lifecycle_events values (?)", "INSERT"},
		{"UPDATE subscription_records SET status = ?", "UPDATE"},
		{"DELETE FROM reconciliation_audits WHERE 1=0", "DELETE"},
		{"PRAGMA journal_mode", "OTHER"},
		{"", "OTHER"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sqlVerb(tt.sql), tt.sql)
	}
}
