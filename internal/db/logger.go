package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

const (
	// slowQueryThreshold flags queries that would stall a batch worker.
	// Checkpoints and status writes run on the hot path of every item, so
	// the bar sits well below the per-item budget.
	slowQueryThreshold = 100 * time.Millisecond

	// maxLoggedQueryLen truncates statements before logging. Metadata
	// replication inserts carry full issue and release bodies; logging
	// them whole would spill user content into the log stream.
	maxLoggedQueryLen = 500
)

// gormZapLogger routes GORM's internal logging through zap. Record-not-found
// is never logged: the store layer returns it as ErrNotFound and every
// caller treats it as flow control.
type gormZapLogger struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

// newGormLogger adapts log to the gormlogger.Interface. Level zero selects
// Warn: errors and slow queries only. gormlogger.Info additionally traces
// every statement, which is only bearable in development.
func newGormLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	return &gormZapLogger{
		log:   log.Named("gorm"),
		level: level,
	}
}

// LogMode implements gormlogger.Interface; GORM calls it for per-session
// overrides such as db.Debug().
func (l *gormZapLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	out := *l
	out.level = level
	return &out
}

func (l *gormZapLogger) Info(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *gormZapLogger) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *gormZapLogger) Error(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace logs one executed statement: errors at error level, slow queries at
// warn, and everything else at debug when full tracing is on.
func (l *gormZapLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	slow := elapsed > slowQueryThreshold
	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)
	if !failed && !slow && l.level < gormlogger.Info {
		return
	}

	query, rows := fc()
	fields := []zap.Field{
		zap.String("query", truncateQuery(query)),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("caller", utils.FileWithLineNum()),
	}

	switch {
	case failed:
		l.log.Error("query failed", append(fields, zap.Error(err))...)
	case slow:
		l.log.Warn("slow query", fields...)
	default:
		l.log.Debug("query", fields...)
	}
}

func truncateQuery(query string) string {
	if len(query) <= maxLoggedQueryLen {
		return query
	}
	return query[:maxLoggedQueryLen] + "..."
}
