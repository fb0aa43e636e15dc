// Package distlock provides a cross-instance mutex on top of PostgreSQL
// advisory locks. The delivery scheduler uses it so that only one server
// instance starts due newsletters and runs housekeeping.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
)

// Lock is a non-blocking distributed lock. A Lock instance is intended for
// use from a single goroutine at a time.
type Lock interface {
	// Acquire tries to take the lock; false means another holder has it.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock back.
	Release(ctx context.Context) error
}

// PGAdvisoryLock implements Lock with pg_try_advisory_lock. The lock is
// session scoped, so a dropped connection releases it automatically.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock derives a deterministic lock ID from key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
