package csvio_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/COSCUP/newsletter/internal/csvio"
	"github.com/COSCUP/newsletter/internal/domain"
	"github.com/COSCUP/newsletter/internal/service/subscriber"
)

type memRepo struct {
	byEmail map[string]*domain.Subscriber
}

func newMemRepo() *memRepo { return &memRepo{byEmail: make(map[string]*domain.Subscriber)} }

func (m *memRepo) Create(_ context.Context, s *domain.Subscriber) error {
	if _, ok := m.byEmail[s.Email]; ok {
		return subscriber.ErrEmailExists
	}
	cp := *s
	m.byEmail[cp.Email] = &cp
	return nil
}

func (m *memRepo) GetByID(context.Context, string) (*domain.Subscriber, error)    { return nil, nil }
func (m *memRepo) GetByEmail(context.Context, string) (*domain.Subscriber, error) { return nil, nil }
func (m *memRepo) GetByUcode(context.Context, string) (*domain.Subscriber, error) { return nil, nil }
func (m *memRepo) Update(context.Context, *domain.Subscriber) error               { return nil }
func (m *memRepo) ListAll(context.Context) ([]*domain.Subscriber, error)          { return nil, nil }
func (m *memRepo) List(context.Context, subscriber.ListFilter) ([]*domain.Subscriber, int, error) {
	return nil, 0, nil
}
func (m *memRepo) MarkBounced(context.Context, string, time.Time) error { return nil }

func TestImportWithLegacyLinks(t *testing.T) {
	repo := newMemRepo()
	im := csvio.NewImporter(repo)

	csvData := "email,name,legacy_admin_link\n" +
		"Ada@Example.com,Ada," + strings.Repeat("a", 64) + "\n" +
		"bob@example.com,Bob,\n" +
		"ada@example.com,Dup,\n"

	res, err := im.Import(context.Background(), strings.NewReader(csvData))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Errors)

	ada := repo.byEmail["ada@example.com"]
	require.NotNil(t, ada)
	require.NotNil(t, ada.LegacyAdminLink)
	assert.Equal(t, strings.Repeat("a", 64), *ada.LegacyAdminLink)
	assert.True(t, ada.VerifiedEmail)
	assert.True(t, ada.Status)
	assert.Len(t, ada.SecretCode, 64)
	assert.Len(t, ada.Ucode, 16)
	assert.Equal(t, "import", ada.SubscriptionSource)

	bob := repo.byEmail["bob@example.com"]
	require.NotNil(t, bob)
	assert.Nil(t, bob.LegacyAdminLink)
}

func TestExportRoundTripsLegacyLink(t *testing.T) {
	legacy := strings.Repeat("b", 64)
	subs := []*domain.Subscriber{
		{Email: "ada@example.com", Name: "Ada", Status: true, VerifiedEmail: true,
			SecretCode: "secret", LegacyAdminLink: &legacy, SubscriptionSource: "import",
			CreatedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)},
	}

	var buf bytes.Buffer
	require.NoError(t, csvio.Export(&buf, subs))

	out := buf.String()
	assert.Contains(t, out, "email,name,status")
	assert.Contains(t, out, "ada@example.com,Ada,true,true,"+legacy+",import,2026-08-01T00:00:00Z")
	assert.NotContains(t, out, "secret")
}
