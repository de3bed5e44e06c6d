package fulfillment

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/suPer8Hu/order-bots/internal/common"
)

const resumeLockName = "orders-resume"

// Locker is the resume lock: a row in resume_locks that can be taken once per
// TTL window. It is never released; it expires.
type Locker struct {
	db    *gorm.DB
	ttl   time.Duration
	clock common.Clock
	log   logrus.FieldLogger
}

func NewLocker(db *gorm.DB, ttl time.Duration, clock common.Clock, log logrus.FieldLogger) *Locker {
	if clock == nil {
		clock = common.SystemClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Locker{db: db, ttl: ttl, clock: clock, log: log}
}

// TryAcquire returns true for at most one caller per TTL window. Unexpected
// storage errors return true so a broken lock never blocks recovery.
func (l *Locker) TryAcquire(ctx context.Context) bool {
	now := l.clock.Now()
	expires := now.Add(l.ttl)

	// 1) take over an expired lock
	res := l.db.WithContext(ctx).Model(&ResumeLock{}).
		Where("name = ? AND expires_at <= ?", resumeLockName, now).
		Updates(map[string]any{"locked_at": now, "expires_at": expires})
	if res.Error != nil {
		l.log.WithError(res.Error).Warn("resume lock update failed, running sweep anyway")
		return true
	}
	if res.RowsAffected == 1 {
		return true
	}

	// 2) first acquisition ever; a duplicate means someone holds it
	err := l.db.WithContext(ctx).Create(&ResumeLock{
		Name:      resumeLockName,
		LockedAt:  now,
		ExpiresAt: expires,
	}).Error
	if err == nil {
		return true
	}
	if isDuplicateKey(err) {
		return false
	}
	l.log.WithError(err).Warn("resume lock insert failed, running sweep anyway")
	return true
}
