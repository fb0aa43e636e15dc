package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/COSCUP/newsletter/internal/domain"
)

// RateLimitRepo implements ratelimit.Repository against PostgreSQL.
type RateLimitRepo struct{ db *sql.DB }

// NewRateLimitRepo creates a Postgres-backed rate-limit log repository.
func NewRateLimitRepo(db *sql.DB) *RateLimitRepo { return &RateLimitRepo{db: db} }

func (r *RateLimitRepo) CountSince(ctx context.Context, scope domain.RateLimitScope, key string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rate_limit_log
		WHERE scope = $1 AND (identifier = $2 OR ip_address = $2) AND created_at >= $3
	`, scope, key, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rate limit log: %w", err)
	}
	return n, nil
}

func (r *RateLimitRepo) Record(ctx context.Context, scope domain.RateLimitScope, identifier, ip string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rate_limit_log (id, scope, identifier, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New().String(), scope, identifier, ip, at)
	if err != nil {
		return fmt.Errorf("insert rate limit log: %w", err)
	}
	return nil
}

func (r *RateLimitRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM rate_limit_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune rate limit log: %w", err)
	}
	return res.RowsAffected()
}
