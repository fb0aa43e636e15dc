package subscriber_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/COSCUP/newsletter/internal/domain"
	"github.com/COSCUP/newsletter/internal/service/subscriber"
	"github.com/COSCUP/newsletter/internal/token"
)

type memRepo struct {
	mu   sync.Mutex
	byID map[string]*domain.Subscriber

	failUcodeTimes int // next N Creates fail with ErrUcodeExists
}

func newMemRepo() *memRepo {
	return &memRepo{byID: make(map[string]*domain.Subscriber)}
}

func (m *memRepo) Create(_ context.Context, s *domain.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUcodeTimes > 0 {
		m.failUcodeTimes--
		return subscriber.ErrUcodeExists
	}
	for _, other := range m.byID {
		if other.Email == s.Email {
			return subscriber.ErrEmailExists
		}
		if other.Ucode == s.Ucode {
			return subscriber.ErrUcodeExists
		}
	}
	cp := *s
	m.byID[cp.ID] = &cp
	return nil
}

func (m *memRepo) GetByID(_ context.Context, id string) (*domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byID[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (m *memRepo) GetByEmail(_ context.Context, email string) (*domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byID {
		if s.Email == email {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memRepo) GetByUcode(_ context.Context, ucode string) (*domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byID {
		if s.Ucode == ucode {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memRepo) Update(_ context.Context, s *domain.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.byID[cp.ID] = &cp
	return nil
}

func (m *memRepo) ListAll(_ context.Context) ([]*domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Subscriber, 0, len(m.byID))
	for _, s := range m.byID {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memRepo) List(ctx context.Context, f subscriber.ListFilter) ([]*domain.Subscriber, int, error) {
	all, _ := m.ListAll(ctx)
	var out []*domain.Subscriber
	for _, s := range all {
		if f.Search != "" && !strings.Contains(s.Email, strings.ToLower(f.Search)) &&
			!strings.Contains(strings.ToLower(s.Name), strings.ToLower(f.Search)) {
			continue
		}
		if f.OnlyEligible && !s.Eligible() {
			continue
		}
		out = append(out, s)
	}
	return out, len(out), nil
}

func (m *memRepo) MarkBounced(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byID[id]; ok {
		t := at
		s.BouncedAt = &t
	}
	return nil
}

func TestSubscribeCreatesSecrets(t *testing.T) {
	svc := subscriber.NewService(newMemRepo())
	ctx := context.Background()

	sub, created, err := svc.Subscribe(ctx, " Ada@Example.COM ", "Ada", "web")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "ada@example.com", sub.Email)
	assert.Len(t, sub.SecretCode, 64)
	assert.Len(t, sub.Ucode, 16)
	assert.False(t, sub.Status)
	assert.False(t, sub.VerifiedEmail)
}

func TestSubscribeExistingEmailIsSilent(t *testing.T) {
	svc := subscriber.NewService(newMemRepo())
	ctx := context.Background()

	first, created, err := svc.Subscribe(ctx, "ada@example.com", "Ada", "web")
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := svc.Subscribe(ctx, "ADA@example.com", "Someone Else", "web")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.SecretCode, second.SecretCode, "secret must never be regenerated")
}

func TestSubscribeRetriesUcodeCollision(t *testing.T) {
	repo := newMemRepo()
	repo.failUcodeTimes = 2
	svc := subscriber.NewService(repo)

	_, created, err := svc.Subscribe(context.Background(), "ada@example.com", "Ada", "web")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestSubscribeRejectsInvalidEmail(t *testing.T) {
	svc := subscriber.NewService(newMemRepo())
	_, _, err := svc.Subscribe(context.Background(), "not-an-email", "", "web")
	assert.Error(t, err)
}

func TestVerifyEmailActivates(t *testing.T) {
	svc := subscriber.NewService(newMemRepo())
	ctx := context.Background()

	sub, _, err := svc.Subscribe(ctx, "ada@example.com", "Ada", "web")
	require.NoError(t, err)

	verified, err := svc.VerifyEmail(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, verified.VerifiedEmail)
	assert.True(t, verified.Status)
	assert.True(t, verified.Eligible())
}

func TestFindByAdminLinkDerived(t *testing.T) {
	svc := subscriber.NewService(newMemRepo())
	ctx := context.Background()

	sub, _, err := svc.Subscribe(ctx, "ada@example.com", "Ada", "web")
	require.NoError(t, err)

	link := token.DeriveAdminLink(sub.SecretCode, sub.Email)
	found, err := svc.FindByAdminLink(ctx, link)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, found.ID)

	// Any other 64-char value fails with no further detail.
	_, err = svc.FindByAdminLink(ctx, strings.Repeat("a", 64))
	assert.ErrorIs(t, err, subscriber.ErrNotFound)

	_, err = svc.FindByAdminLink(ctx, "")
	assert.ErrorIs(t, err, subscriber.ErrNotFound)
}

func TestFindByAdminLinkLegacy(t *testing.T) {
	repo := newMemRepo()
	svc := subscriber.NewService(repo)
	ctx := context.Background()

	sub, _, err := svc.Subscribe(ctx, "ada@example.com", "Ada", "import")
	require.NoError(t, err)

	legacy := strings.Repeat("f", 64)
	sub.LegacyAdminLink = &legacy
	require.NoError(t, repo.Update(ctx, sub))

	found, err := svc.FindByAdminLink(ctx, legacy)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, found.ID)
	assert.Equal(t, legacy, subscriber.AdminLink(found))

	// Derived link stays valid alongside the legacy one.
	found, err = svc.FindByAdminLink(ctx, token.DeriveAdminLink(sub.SecretCode, sub.Email))
	require.NoError(t, err)
	assert.Equal(t, sub.ID, found.ID)
}

func TestUnsubscribeResubscribe(t *testing.T) {
	svc := subscriber.NewService(newMemRepo())
	ctx := context.Background()

	sub, _, err := svc.Subscribe(ctx, "ada@example.com", "Ada", "web")
	require.NoError(t, err)
	_, err = svc.VerifyEmail(ctx, sub.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Unsubscribe(ctx, sub.ID))
	got, err := svc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, got.Status)
	assert.False(t, got.Eligible())
	assert.Equal(t, sub.SecretCode, got.SecretCode)

	require.NoError(t, svc.Resubscribe(ctx, sub.ID))
	got, err = svc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, got.Eligible())
}

func TestMarkBouncedExcludes(t *testing.T) {
	svc := subscriber.NewService(newMemRepo())
	ctx := context.Background()

	sub, _, err := svc.Subscribe(ctx, "ada@example.com", "Ada", "web")
	require.NoError(t, err)
	_, err = svc.VerifyEmail(ctx, sub.ID)
	require.NoError(t, err)

	require.NoError(t, svc.MarkBounced(ctx, sub.ID))
	got, err := svc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got.BouncedAt)
	assert.False(t, got.Eligible())
}

func TestUpdateName(t *testing.T) {
	svc := subscriber.NewService(newMemRepo())
	ctx := context.Background()

	sub, _, err := svc.Subscribe(ctx, "ada@example.com", "Ada", "web")
	require.NoError(t, err)

	require.NoError(t, svc.UpdateName(ctx, sub.ID, "  Ada Lovelace "))
	got, err := svc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", got.Name)

	assert.ErrorIs(t, svc.UpdateName(ctx, "missing", "x"), subscriber.ErrNotFound)
}
