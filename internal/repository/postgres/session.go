package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/COSCUP/newsletter/internal/domain"
)

// SessionRepo implements session.Repository against PostgreSQL.
type SessionRepo struct{ db *sql.DB }

// NewSessionRepo creates a Postgres-backed admin session repository.
func NewSessionRepo(db *sql.DB) *SessionRepo { return &SessionRepo{db: db} }

func (r *SessionRepo) Create(ctx context.Context, s *domain.AdminSession) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO admin_sessions (id, admin_email, session_token, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, s.ID, s.AdminEmail, s.SessionToken, s.ExpiresAt, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *SessionRepo) GetByToken(ctx context.Context, sessionToken string) (*domain.AdminSession, error) {
	s := &domain.AdminSession{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, admin_email, session_token, expires_at, created_at
		FROM admin_sessions
		WHERE session_token = $1
	`, sessionToken).Scan(&s.ID, &s.AdminEmail, &s.SessionToken, &s.ExpiresAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (r *SessionRepo) Delete(ctx context.Context, sessionToken string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM admin_sessions WHERE session_token = $1`, sessionToken); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *SessionRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM admin_sessions WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}
