// Package ratelimit implements a sliding-window counter over append-only
// log rows. It is a defense-in-depth mechanism, not a strict quota: counts
// may be slightly generous or strict under concurrent requests.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/COSCUP/newsletter/internal/domain"
)

// ErrRateLimited is returned when either the identifier or the IP has
// reached the limit inside the trailing window.
var ErrRateLimited = errors.New("rate limited")

// Repository defines the data access contract for the rate-limit log.
type Repository interface {
	// CountSince counts rows for (scope, key) with created_at >= since.
	// key is either the identifier (email) or the client IP.
	CountSince(ctx context.Context, scope domain.RateLimitScope, key string, since time.Time) (int, error)
	// Record appends one (scope, identifier, ip) row at the given time.
	Record(ctx context.Context, scope domain.RateLimitScope, identifier, ip string, at time.Time) error
	// DeleteBefore prunes rows older than cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Limiter enforces per-identifier and per-IP sliding windows. The stricter
// of the two dimensions wins.
type Limiter struct {
	repo Repository
	now  func() time.Time
}

func NewLimiter(repo Repository) *Limiter {
	return &Limiter{repo: repo, now: time.Now}
}

// CheckAndRecord returns ErrRateLimited if identifier or ip already has
// limit or more entries inside the trailing window; otherwise it appends a
// row and allows the attempt. A blocked attempt is not recorded, so being
// limited does not itself extend the window.
func (l *Limiter) CheckAndRecord(ctx context.Context, scope domain.RateLimitScope, identifier, ip string, limit int, window time.Duration) error {
	if limit <= 0 {
		return nil
	}
	since := l.now().Add(-window)

	n, err := l.repo.CountSince(ctx, scope, identifier, since)
	if err != nil {
		return fmt.Errorf("count rate limit: %w", err)
	}
	if n >= limit {
		return ErrRateLimited
	}

	if ip != "" && ip != identifier {
		n, err = l.repo.CountSince(ctx, scope, ip, since)
		if err != nil {
			return fmt.Errorf("count rate limit: %w", err)
		}
		if n >= limit {
			return ErrRateLimited
		}
	}

	if err := l.repo.Record(ctx, scope, identifier, ip, l.now()); err != nil {
		return fmt.Errorf("record rate limit: %w", err)
	}
	return nil
}

// Prune deletes log rows older than keep. Called periodically; the log is
// only ever read through a window filter so pruning is housekeeping, not
// correctness.
func (l *Limiter) Prune(ctx context.Context, keep time.Duration) (int64, error) {
	return l.repo.DeleteBefore(ctx, l.now().Add(-keep))
}
