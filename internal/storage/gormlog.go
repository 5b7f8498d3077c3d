package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// zapLogger sends gorm's query log to zap. Lookups that find nothing and
// inserts rejected by a unique index are expected outcomes, so they are
// logged at debug instead of error.
type zapLogger struct {
	log   *zap.Logger
	level logger.LogLevel
	slow  time.Duration
}

func newZapLogger(log *zap.Logger, level logger.LogLevel) *zapLogger {
	if log == nil {
		log = zap.NewNop()
	}
	return &zapLogger{
		log:   log.Named("gorm"),
		level: level,
		slow:  slowQueryThreshold,
	}
}

var _ logger.Interface = (*zapLogger)(nil)

func (l *zapLogger) LogMode(level logger.LogLevel) logger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *zapLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *zapLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *zapLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

func (l *zapLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	fields := func() []zap.Field {
		sql, rows := fc()
		return []zap.Field{
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
		}
	}

	switch {
	case err != nil && (errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, gorm.ErrDuplicatedKey)):
		if l.level >= logger.Info {
			l.log.Debug("query", append(fields(), zap.NamedError("outcome", err))...)
		}
	case err != nil && l.level >= logger.Error:
		l.log.Error("query failed", append(fields(), zap.Error(err))...)
	case l.slow > 0 && elapsed > l.slow && l.level >= logger.Warn:
		l.log.Warn("slow query", fields()...)
	case l.level >= logger.Info:
		l.log.Debug("query", fields()...)
	}
}
