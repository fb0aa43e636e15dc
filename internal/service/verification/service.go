package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/COSCUP/newsletter/internal/domain"
	"github.com/COSCUP/newsletter/internal/token"
)

// MagicLinkTTL is fixed and deliberately short: compromise of a magic-link
// token grants administrator access.
const MagicLinkTTL = 15 * time.Minute

const createRetries = 3

// Target identifies what a token grants access to. Exactly one field is
// set, matching the token type.
type Target struct {
	SubscriberID string
	AdminEmail   string
}

// Service issues and redeems verification tokens.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a verification token service backed by the given
// repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Issue creates a token for target with expires_at = now + ttl and returns
// the token string. Token-string collisions are retried with fresh
// randomness.
func (s *Service) Issue(ctx context.Context, target Target, typ domain.TokenType, ttl time.Duration) (string, error) {
	if err := validateTarget(target, typ); err != nil {
		return "", err
	}

	var lastErr error
	for i := 0; i < createRetries; i++ {
		t := &domain.VerificationToken{
			ID:        uuid.New().String(),
			Token:     token.GenerateToken(),
			Type:      typ,
			ExpiresAt: s.now().Add(ttl),
			CreatedAt: s.now(),
		}
		if target.SubscriberID != "" {
			id := target.SubscriberID
			t.SubscriberID = &id
		}
		if target.AdminEmail != "" {
			email := target.AdminEmail
			t.AdminEmail = &email
		}

		err := s.repo.Create(ctx, t)
		if err == nil {
			return t.Token, nil
		}
		if !errors.Is(err, ErrTokenExists) {
			return "", fmt.Errorf("create token: %w", err)
		}
		lastErr = err
	}
	return "", fmt.Errorf("create token: %w", lastErr)
}

// Redeem validates tokenStr against expectedType and atomically consumes
// it. On success the token's target is returned; the token can never be
// redeemed again.
func (s *Service) Redeem(ctx context.Context, tokenStr string, expectedType domain.TokenType) (Target, error) {
	t, err := s.repo.GetByToken(ctx, tokenStr)
	if err != nil {
		return Target{}, fmt.Errorf("lookup token: %w", err)
	}
	if t == nil {
		return Target{}, ErrTokenNotFound
	}
	if t.Type != expectedType {
		return Target{}, ErrTokenTypeMismatch
	}
	if s.now().After(t.ExpiresAt) {
		return Target{}, ErrTokenExpired
	}
	if t.UsedAt != nil {
		return Target{}, ErrTokenAlreadyUsed
	}

	ok, err := s.repo.Consume(ctx, t.ID, s.now())
	if err != nil {
		return Target{}, fmt.Errorf("consume token: %w", err)
	}
	if !ok {
		// Lost the race against a concurrent redemption.
		return Target{}, ErrTokenAlreadyUsed
	}

	out := Target{}
	if t.SubscriberID != nil {
		out.SubscriberID = *t.SubscriberID
	}
	if t.AdminEmail != nil {
		out.AdminEmail = *t.AdminEmail
	}
	return out, nil
}

func validateTarget(target Target, typ domain.TokenType) error {
	switch typ {
	case domain.TokenEmailVerify:
		if target.SubscriberID == "" || target.AdminEmail != "" {
			return fmt.Errorf("email_verify token requires a subscriber target")
		}
	case domain.TokenMagicLink:
		if target.AdminEmail == "" || target.SubscriberID != "" {
			return fmt.Errorf("magic_link token requires an admin email target")
		}
	default:
		return fmt.Errorf("unknown token type %q", typ)
	}
	return nil
}
