// Package session manages administrator sessions. A session is created only
// after a magic-link token was redeemed, and expires 24 hours later.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/COSCUP/newsletter/internal/domain"
	"github.com/COSCUP/newsletter/internal/token"
)

// TTL is the fixed session lifetime. There is no sliding renewal: an
// administrator logs in again after 24 hours.
const TTL = 24 * time.Hour

// ErrUnauthorized is returned by Validate for unknown, expired, or
// destroyed sessions. Callers must not distinguish between these cases.
var ErrUnauthorized = errors.New("unauthorized")

// Repository defines the data access contract for admin sessions.
type Repository interface {
	Create(ctx context.Context, s *domain.AdminSession) error
	// GetByToken returns the session matching the token, or nil if none.
	GetByToken(ctx context.Context, sessionToken string) (*domain.AdminSession, error)
	Delete(ctx context.Context, sessionToken string) error
	// DeleteExpired removes sessions whose expiry is before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service creates and validates administrator sessions.
type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Create opens a session for adminEmail and returns the opaque session
// token. The caller is responsible for having authenticated the email
// via a magic link first.
func (s *Service) Create(ctx context.Context, adminEmail string) (string, error) {
	sess := &domain.AdminSession{
		ID:           uuid.New().String(),
		AdminEmail:   adminEmail,
		SessionToken: token.GenerateToken(),
		ExpiresAt:    s.now().Add(TTL),
		CreatedAt:    s.now(),
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return sess.SessionToken, nil
}

// Validate resolves a session token to the administrator email it was
// issued for. Unknown and expired tokens both yield ErrUnauthorized.
func (s *Service) Validate(ctx context.Context, sessionToken string) (string, error) {
	if sessionToken == "" {
		return "", ErrUnauthorized
	}
	sess, err := s.repo.GetByToken(ctx, sessionToken)
	if err != nil {
		return "", fmt.Errorf("lookup session: %w", err)
	}
	if sess == nil || s.now().After(sess.ExpiresAt) {
		return "", ErrUnauthorized
	}
	return sess.AdminEmail, nil
}

// Destroy logs the session out. Destroying a session that does not exist
// is not an error.
func (s *Service) Destroy(ctx context.Context, sessionToken string) error {
	if err := s.repo.Delete(ctx, sessionToken); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeExpired removes expired session rows. Called periodically by the
// scheduler loop.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.now())
}
