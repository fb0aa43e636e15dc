package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/COSCUP/newsletter/internal/domain"
	"github.com/COSCUP/newsletter/internal/service/verification"
)

// TokenRepo implements verification.Repository against PostgreSQL.
type TokenRepo struct{ db *sql.DB }

// NewTokenRepo creates a Postgres-backed verification token repository.
func NewTokenRepo(db *sql.DB) *TokenRepo { return &TokenRepo{db: db} }

func (r *TokenRepo) Create(ctx context.Context, t *domain.VerificationToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO verification_tokens
			(id, subscriber_id, admin_email, token, token_type, expires_at, used_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.SubscriberID, t.AdminEmail, t.Token, t.Type, t.ExpiresAt, t.UsedAt, t.CreatedAt)
	if err != nil {
		if uniqueViolation(err, "verification_tokens_token_key") {
			return verification.ErrTokenExists
		}
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (r *TokenRepo) GetByToken(ctx context.Context, tokenStr string) (*domain.VerificationToken, error) {
	t := &domain.VerificationToken{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, subscriber_id, admin_email, token, token_type, expires_at, used_at, created_at
		FROM verification_tokens
		WHERE token = $1
	`, tokenStr).Scan(
		&t.ID, &t.SubscriberID, &t.AdminEmail, &t.Token, &t.Type,
		&t.ExpiresAt, &t.UsedAt, &t.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return t, nil
}

// Consume marks the token used. The used_at IS NULL guard makes the update
// atomic: exactly one concurrent redeemer sees rows-affected = 1.
func (r *TokenRepo) Consume(ctx context.Context, id string, usedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE verification_tokens SET used_at = $2 WHERE id = $1 AND used_at IS NULL`,
		id, usedAt)
	if err != nil {
		return false, fmt.Errorf("consume token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume token: %w", err)
	}
	return n == 1, nil
}

// DeleteExpired prunes tokens that can never be redeemed again.
func (r *TokenRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM verification_tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return res.RowsAffected()
}
