package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/COSCUP/newsletter/internal/domain"
	"github.com/COSCUP/newsletter/internal/service/session"
)

type memRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.AdminSession
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[string]*domain.AdminSession)}
}

func (m *memRepo) Create(_ context.Context, s *domain.AdminSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[cp.SessionToken] = &cp
	return nil
}

func (m *memRepo) GetByToken(_ context.Context, tok string) (*domain.AdminSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tok]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memRepo) Delete(_ context.Context, tok string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, tok)
	return nil
}

func (m *memRepo) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for tok, s := range m.sessions {
		if s.ExpiresAt.Before(cutoff) {
			delete(m.sessions, tok)
			n++
		}
	}
	return n, nil
}

func TestCreateAndValidate(t *testing.T) {
	svc := session.NewService(newMemRepo())
	ctx := context.Background()

	tok, err := svc.Create(ctx, "admin@coscup.org")
	require.NoError(t, err)
	assert.Len(t, tok, 64)

	email, err := svc.Validate(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, "admin@coscup.org", email)
}

func TestValidateUnknownToken(t *testing.T) {
	svc := session.NewService(newMemRepo())

	_, err := svc.Validate(context.Background(), "bogus")
	assert.ErrorIs(t, err, session.ErrUnauthorized)

	_, err = svc.Validate(context.Background(), "")
	assert.ErrorIs(t, err, session.ErrUnauthorized)
}

func TestDestroy(t *testing.T) {
	svc := session.NewService(newMemRepo())
	ctx := context.Background()

	tok, err := svc.Create(ctx, "admin@coscup.org")
	require.NoError(t, err)

	require.NoError(t, svc.Destroy(ctx, tok))

	_, err = svc.Validate(ctx, tok)
	assert.ErrorIs(t, err, session.ErrUnauthorized)

	// Destroying again is a no-op.
	assert.NoError(t, svc.Destroy(ctx, tok))
}

func TestExpiredSession(t *testing.T) {
	repo := newMemRepo()
	svc := session.NewService(repo)
	ctx := context.Background()

	expired := &domain.AdminSession{
		ID:           "s1",
		AdminEmail:   "admin@coscup.org",
		SessionToken: "expired-token",
		ExpiresAt:    time.Now().Add(-time.Minute),
		CreatedAt:    time.Now().Add(-25 * time.Hour),
	}
	require.NoError(t, repo.Create(ctx, expired))

	_, err := svc.Validate(ctx, "expired-token")
	assert.ErrorIs(t, err, session.ErrUnauthorized)

	n, err := svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
