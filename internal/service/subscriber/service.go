// Package subscriber manages mailing-list recipients: double opt-in intake,
// the permanent admin link, self-service state changes, and the admin
// listing.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/COSCUP/newsletter/internal/domain"
	"github.com/COSCUP/newsletter/internal/token"
)

// ErrNotFound is returned when no subscriber matches the given key.
var ErrNotFound = errors.New("subscriber not found")

const createRetries = 3

// Service wraps subscriber persistence with the intake and admin-link
// verification rules.
type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// NormalizeEmail lowercases and trims an email address. All storage and
// lookup goes through this so the unique constraint sees one spelling.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Subscribe registers email, creating the row with a fresh secret code and
// ucode. If the email is already registered the existing row is returned
// with created=false and nothing is modified; the caller responds
// identically in both cases so the endpoint does not confirm membership.
func (s *Service) Subscribe(ctx context.Context, email, name, source string) (sub *domain.Subscriber, created bool, err error) {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, false, fmt.Errorf("invalid email address")
	}

	existing, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return nil, false, fmt.Errorf("lookup subscriber: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	for i := 0; i < createRetries; i++ {
		now := s.now()
		sub = &domain.Subscriber{
			ID:                 uuid.New().String(),
			Email:              email,
			Name:               strings.TrimSpace(name),
			Status:             false,
			VerifiedEmail:      false,
			SecretCode:         token.GenerateSecretCode(),
			Ucode:              token.GenerateUcode(),
			SubscriptionSource: source,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		err = s.repo.Create(ctx, sub)
		switch {
		case err == nil:
			return sub, true, nil
		case errors.Is(err, ErrUcodeExists):
			continue
		case errors.Is(err, ErrEmailExists):
			// Concurrent signup for the same address won.
			existing, lerr := s.repo.GetByEmail(ctx, email)
			if lerr != nil {
				return nil, false, fmt.Errorf("lookup subscriber: %w", lerr)
			}
			if existing == nil {
				return nil, false, ErrNotFound
			}
			return existing, false, nil
		default:
			return nil, false, fmt.Errorf("create subscriber: %w", err)
		}
	}
	return nil, false, fmt.Errorf("create subscriber: %w", err)
}

// VerifyEmail completes double opt-in: the subscriber becomes verified and
// subscribed in one step.
func (s *Service) VerifyEmail(ctx context.Context, id string) (*domain.Subscriber, error) {
	sub, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	sub.VerifiedEmail = true
	sub.Status = true
	sub.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("update subscriber: %w", err)
	}
	return sub, nil
}

// AdminLink returns the management link token for a subscriber: the stored
// legacy link for migrated accounts, otherwise the derived digest.
func AdminLink(sub *domain.Subscriber) string {
	if sub.LegacyAdminLink != nil && *sub.LegacyAdminLink != "" {
		return *sub.LegacyAdminLink
	}
	return token.DeriveAdminLink(sub.SecretCode, sub.Email)
}

// FindByAdminLink resolves a management-link token to its subscriber. For
// each row the stored legacy link is checked first, then the digest
// recomputed from the stored secret and email. Both comparisons are
// constant time. An unmatched link yields ErrNotFound with no detail about
// why.
func (s *Service) FindByAdminLink(ctx context.Context, link string) (*domain.Subscriber, error) {
	if link == "" {
		return nil, ErrNotFound
	}
	subs, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	for _, sub := range subs {
		if sub.LegacyAdminLink != nil && token.Equal(link, *sub.LegacyAdminLink) {
			return sub, nil
		}
		if token.Equal(link, token.DeriveAdminLink(sub.SecretCode, sub.Email)) {
			return sub, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateName changes the display name only; secrets and flags are
// untouched.
func (s *Service) UpdateName(ctx context.Context, id, name string) error {
	sub, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	sub.Name = strings.TrimSpace(name)
	sub.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, sub); err != nil {
		return fmt.Errorf("update subscriber: %w", err)
	}
	return nil
}

// Unsubscribe clears the subscribed flag. The row, its secret, and its
// ucode survive so the admin link keeps working.
func (s *Service) Unsubscribe(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, false)
}

// Resubscribe restores the subscribed flag for a previously verified
// subscriber.
func (s *Service) Resubscribe(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, true)
}

func (s *Service) setStatus(ctx context.Context, id string, status bool) error {
	sub, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status == status {
		return nil
	}
	sub.Status = status
	sub.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, sub); err != nil {
		return fmt.Errorf("update subscriber: %w", err)
	}
	return nil
}

// MarkBounced records a hard bounce; the subscriber is excluded from all
// future sends until an operator intervenes.
func (s *Service) MarkBounced(ctx context.Context, id string) error {
	if err := s.repo.MarkBounced(ctx, id, s.now()); err != nil {
		return fmt.Errorf("mark bounced: %w", err)
	}
	return nil
}

// GetByID returns a subscriber or ErrNotFound.
func (s *Service) GetByID(ctx context.Context, id string) (*domain.Subscriber, error) {
	return s.get(ctx, id)
}

// GetByUcode returns the subscriber carrying the public tracking code, or
// nil if none. Absence is not an error here: tracking callers must treat
// it silently.
func (s *Service) GetByUcode(ctx context.Context, ucode string) (*domain.Subscriber, error) {
	sub, err := s.repo.GetByUcode(ctx, ucode)
	if err != nil {
		return nil, fmt.Errorf("lookup subscriber: %w", err)
	}
	return sub, nil
}

// List returns the admin listing page and the total matching count.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*domain.Subscriber, int, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return s.repo.List(ctx, f)
}

// ListAll returns every subscriber, for CSV export.
func (s *Service) ListAll(ctx context.Context) ([]*domain.Subscriber, error) {
	return s.repo.ListAll(ctx)
}

func (s *Service) get(ctx context.Context, id string) (*domain.Subscriber, error) {
	sub, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lookup subscriber: %w", err)
	}
	if sub == nil {
		return nil, ErrNotFound
	}
	return sub, nil
}
