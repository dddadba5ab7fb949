package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// QueryLogger routes GORM's logger interface onto the request-scoped zap
// logger. Every repository in this module reads the logger from the context,
// and queries should end up in the same place.
//
// Not-found results are suppressed by default: Find-style lookups treat a
// missing row as a domain outcome, not a database fault.
type QueryLogger struct {
	level         gormlogger.LogLevel
	slowThreshold time.Duration
	skipNotFound  bool
}

// NewQueryLogger builds a query logger. Queries slower than slowThreshold are
// logged at warn level; a zero threshold disables slow-query detection.
func NewQueryLogger(slowThreshold time.Duration) *QueryLogger {
	return &QueryLogger{
		level:         gormlogger.Warn,
		slowThreshold: slowThreshold,
		skipNotFound:  true,
	}
}

// LogMode returns a copy with the level GORM asked for. GORM calls this when
// a session overrides the logger level.
func (l *QueryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	out := *l
	out.level = level
	return &out
}

func (l *QueryLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Info, msg, data)
}

func (l *QueryLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Warn, msg, data)
}

func (l *QueryLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Error, msg, data)
}

// Trace logs one executed statement. Errors log at error level, slow queries
// at warn, and everything else at debug when the level allows it.
func (l *QueryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	if err != nil && l.skipNotFound && errors.Is(err, gormlogger.ErrRecordNotFound) {
		err = nil
	}

	elapsed := time.Since(begin)
	var at zapcore.Level
	switch {
	case err != nil && l.level >= gormlogger.Error:
		at = zap.ErrorLevel
	case l.slowThreshold > 0 && elapsed >= l.slowThreshold && l.level >= gormlogger.Warn:
		at = zap.WarnLevel
	case l.level >= gormlogger.Info:
		at = zap.DebugLevel
	default:
		return
	}

	sql, rows := fc()
	fields := []zap.Field{
		zap.String("verb", sqlVerb(sql)),
		zap.String("sql", strings.TrimSpace(sql)),
		zap.Duration("elapsed", elapsed),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	l.emit(ctx, at, "db.query", fields...)
}

// ParamsFilter drops bound parameters so secrets never reach the log stream.
func (l *QueryLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func (l *QueryLogger) message(ctx context.Context, min gormlogger.LogLevel, msg string, data []interface{}) {
	if l.level < min {
		return
	}
	var at zapcore.Level
	switch min {
	case gormlogger.Error:
		at = zap.ErrorLevel
	case gormlogger.Warn:
		at = zap.WarnLevel
	default:
		at = zap.InfoLevel
	}
	fields := []zap.Field{}
	if len(data) > 0 {
		fields = append(fields, zap.Any("detail", data))
	}
	l.emit(ctx, at, msg, fields...)
}

func (l *QueryLogger) emit(ctx context.Context, at zapcore.Level, msg string, fields ...zap.Field) {
	log := FromContext(ctx).With(zap.String("component", "db"))
	if ce := log.Check(at, msg); ce != nil {
		ce.Write(fields...)
	}
}

// sqlVerb returns the statement keyword, scanning past CTE prefixes.
func sqlVerb(sql string) string {
	for _, token := range strings.Fields(strings.ToUpper(sql)) {
		token = strings.Trim(token, "();")
		switch token {
		case "SELECT", "INSERT", "UPDATE", "DELETE":
			return token
		}
	}
	return "OTHER"
}

var _ gormlogger.Interface = (*QueryLogger)(nil)
