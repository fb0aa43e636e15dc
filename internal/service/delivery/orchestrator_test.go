package delivery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/COSCUP/newsletter/internal/domain"
	"github.com/COSCUP/newsletter/internal/email"
	"github.com/COSCUP/newsletter/internal/token"
)

type memRepo struct {
	mu          sync.Mutex
	newsletters map[string]*domain.Newsletter
	templates   map[string]*domain.NewsletterTemplate
	subscribers map[string]*domain.Subscriber
	sends       map[string]*domain.NewsletterSend // key newsletterID|subscriberID
}

func newMemRepo() *memRepo {
	r := &memRepo{
		newsletters: make(map[string]*domain.Newsletter),
		templates:   make(map[string]*domain.NewsletterTemplate),
		subscribers: make(map[string]*domain.Subscriber),
		sends:       make(map[string]*domain.NewsletterSend),
	}
	r.templates["tmpl-default"] = &domain.NewsletterTemplate{
		ID:       "tmpl-default",
		Slug:     domain.DefaultTemplateSlug,
		Name:     "Default",
		HTMLBody: `<html><body>{{ content }}{{ tracking_pixel }}<a href="{{ unsubscribe_url }}">unsubscribe</a></body></html>`,
	}
	return r
}

func (r *memRepo) addSubscriber(email string, eligible bool) *domain.Subscriber {
	s := &domain.Subscriber{
		ID:            uuid.New().String(),
		Email:         email,
		Name:          "Sub",
		Status:        eligible,
		VerifiedEmail: eligible,
		SecretCode:    token.GenerateSecretCode(),
		Ucode:         token.GenerateUcode(),
	}
	r.subscribers[s.ID] = s
	return s
}

func (r *memRepo) addNewsletter(status domain.NewsletterStatus) *domain.Newsletter {
	n := &domain.Newsletter{
		ID:              uuid.New().String(),
		Slug:            "2026-08",
		Title:           "August Issue",
		MarkdownContent: "# Hello %recipient_name%\n\n[register](https://coscup.org/2026/)",
		Status:          status,
	}
	r.newsletters[n.ID] = n
	return n
}

func (r *memRepo) CreateNewsletter(_ context.Context, n *domain.Newsletter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *n
	r.newsletters[cp.ID] = &cp
	return nil
}

func (r *memRepo) GetNewsletter(_ context.Context, id string) (*domain.Newsletter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.newsletters[id]; ok {
		cp := *n
		return &cp, nil
	}
	return nil, nil
}

func (r *memRepo) GetNewsletterBySlug(_ context.Context, slug string) (*domain.Newsletter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.newsletters {
		if n.Slug == slug {
			cp := *n
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memRepo) ListNewsletters(_ context.Context, statuses []domain.NewsletterStatus) ([]*domain.Newsletter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Newsletter
	for _, n := range r.newsletters {
		if len(statuses) > 0 {
			match := false
			for _, s := range statuses {
				if n.Status == s {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memRepo) UpdateNewsletterContent(_ context.Context, n *domain.Newsletter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.newsletters[n.ID]
	cur.Title = n.Title
	cur.Slug = n.Slug
	cur.MarkdownContent = n.MarkdownContent
	cur.TemplateID = n.TemplateID
	cur.RenderedHTML = n.RenderedHTML
	cur.UpdatedAt = n.UpdatedAt
	return nil
}

func (r *memRepo) DeleteNewsletter(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.newsletters, id)
	return nil
}

func (r *memRepo) TransitionStatus(_ context.Context, id string, from, to domain.NewsletterStatus, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.newsletters[id]
	if !ok || n.Status != from {
		return false, nil
	}
	n.Status = to
	if to == domain.NewsletterSending && n.SendingStartedAt == nil {
		t := at
		n.SendingStartedAt = &t
	}
	if to == domain.NewsletterSent || to == domain.NewsletterFailed {
		t := at
		n.SendingCompletedAt = &t
	}
	return true, nil
}

func (r *memRepo) SetScheduledAt(_ context.Context, id string, at *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.newsletters[id].ScheduledAt = at
	return nil
}

func (r *memRepo) SetRenderedHTML(_ context.Context, id, html string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.newsletters[id].RenderedHTML = html
	return nil
}

func (r *memRepo) SetTotalCount(_ context.Context, id string, total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.newsletters[id].TotalCount = total
	return nil
}

func (r *memRepo) CompleteNewsletter(_ context.Context, id string, status domain.NewsletterStatus, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.newsletters[id]
	if !ok || n.Status != domain.NewsletterSending {
		return false, nil
	}
	n.Status = status
	t := at
	n.SendingCompletedAt = &t
	return true, nil
}

func (r *memRepo) ListDueScheduled(_ context.Context, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, n := range r.newsletters {
		if n.Status == domain.NewsletterScheduled && n.ScheduledAt != nil && !n.ScheduledAt.After(now) {
			ids = append(ids, n.ID)
		}
	}
	return ids, nil
}

func (r *memRepo) GetTemplate(_ context.Context, id string) (*domain.NewsletterTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.templates[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (r *memRepo) GetTemplateBySlug(_ context.Context, slug string) (*domain.NewsletterTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.templates {
		if t.Slug == slug {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memRepo) ListEligibleSubscriberIDs(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, s := range r.subscribers {
		if s.Eligible() {
			ids = append(ids, s.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *memRepo) MaterializeSends(_ context.Context, newsletterID string, subscriberIDs []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var inserted int
	for _, sid := range subscriberIDs {
		key := newsletterID + "|" + sid
		if _, exists := r.sends[key]; exists {
			continue
		}
		r.sends[key] = &domain.NewsletterSend{
			ID:           uuid.New().String(),
			NewsletterID: newsletterID,
			SubscriberID: sid,
			Status:       domain.SendPending,
		}
		inserted++
	}
	return inserted, nil
}

func (r *memRepo) CountSends(_ context.Context, newsletterID string) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total, pending int
	for _, s := range r.sends {
		if s.NewsletterID != newsletterID {
			continue
		}
		total++
		if s.Status == domain.SendPending {
			pending++
		}
	}
	return total, pending, nil
}

func (r *memRepo) ClaimPending(_ context.Context, newsletterID string, limit int) ([]SendJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var jobs []SendJob
	var keys []string
	for k := range r.sends {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := r.sends[k]
		if s.NewsletterID != newsletterID || s.Status != domain.SendPending {
			continue
		}
		sendCp := *s
		subCp := *r.subscribers[s.SubscriberID]
		jobs = append(jobs, SendJob{Send: &sendCp, Subscriber: &subCp})
		if len(jobs) == limit {
			break
		}
	}
	return jobs, nil
}

func (r *memRepo) findSend(sendID string) *domain.NewsletterSend {
	for _, s := range r.sends {
		if s.ID == sendID {
			return s
		}
	}
	return nil
}

func (r *memRepo) MarkSent(_ context.Context, sendID, newsletterID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.findSend(sendID)
	if s == nil || s.Status != domain.SendPending {
		return fmt.Errorf("send %s not pending", sendID)
	}
	s.Status = domain.SendSent
	t := at
	s.SentAt = &t
	r.newsletters[newsletterID].SentCount++
	return nil
}

func (r *memRepo) MarkFailed(_ context.Context, sendID, newsletterID, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.findSend(sendID)
	if s == nil || s.Status != domain.SendPending {
		return fmt.Errorf("send %s not pending", sendID)
	}
	s.Status = domain.SendFailed
	s.ErrorMessage = &errMsg
	r.newsletters[newsletterID].FailedCount++
	return nil
}

func (r *memRepo) ResetFailed(_ context.Context, newsletterID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.sends {
		if s.NewsletterID == newsletterID && s.Status == domain.SendFailed {
			s.Status = domain.SendPending
			s.ErrorMessage = nil
			n++
		}
	}
	r.newsletters[newsletterID].FailedCount -= int(n)
	return n, nil
}

// mockSender records recipients and fails selected addresses.
type mockSender struct {
	mu        sync.Mutex
	sent      []string
	failAddrs map[string]error
	onSend    func(to string)
}

func newMockSender() *mockSender {
	return &mockSender{failAddrs: make(map[string]error)}
}

func (m *mockSender) Send(_ context.Context, to, _, htmlBody string, _ []email.Header) error {
	m.mu.Lock()
	hook := m.onSend
	err := m.failAddrs[to]
	if err == nil {
		m.sent = append(m.sent, to)
	}
	m.mu.Unlock()
	if hook != nil {
		hook(to)
	}
	_ = htmlBody
	return err
}

func (m *mockSender) recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.sent...)
	sort.Strings(out)
	return out
}

type mockBounces struct {
	mu  sync.Mutex
	ids []string
}

func (m *mockBounces) MarkBounced(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, id)
	return nil
}

func newTestOrchestrator(repo *memRepo, sender email.Sender) *Orchestrator {
	return NewOrchestrator(repo, sender, &mockBounces{}, Options{
		BaseURL:         "https://newsletter.coscup.org",
		SendConcurrency: 1,
		BatchSize:       1,
	})
}

func TestCampaignWithOneFailure(t *testing.T) {
	repo := newMemRepo()
	repo.addSubscriber("a@example.com", true)
	bad := repo.addSubscriber("b@example.com", true)
	repo.addSubscriber("c@example.com", true)
	repo.addSubscriber("ghost@example.com", false)
	n := repo.addNewsletter(domain.NewsletterDraft)

	sender := newMockSender()
	sender.failAddrs[bad.Email] = &email.SendError{Code: 451, Err: fmt.Errorf("greylisted")}

	orch := newTestOrchestrator(repo, sender)
	require.NoError(t, orch.Start(context.Background(), n.ID))
	orch.Wait()

	got, err := repo.GetNewsletter(context.Background(), n.ID)
	require.NoError(t, err)
	// Individual recipient failure does not fail the campaign.
	assert.Equal(t, domain.NewsletterSent, got.Status)
	assert.Equal(t, 2, got.SentCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, 3, got.TotalCount)
	assert.NotNil(t, got.SendingStartedAt)
	assert.NotNil(t, got.SendingCompletedAt)

	total, pending, err := repo.CountSends(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, total, "exactly one ledger row per eligible subscriber")
	assert.Zero(t, pending)
	assert.Equal(t, []string{"a@example.com", "c@example.com"}, sender.recipients())
}

func TestSystemicFailureMarksFailed(t *testing.T) {
	repo := newMemRepo()
	for i := 0; i < 3; i++ {
		s := repo.addSubscriber(fmt.Sprintf("s%d@example.com", i), true)
		_ = s
	}
	n := repo.addNewsletter(domain.NewsletterDraft)

	sender := newMockSender()
	for id := range repo.subscribers {
		sender.failAddrs[repo.subscribers[id].Email] = &email.SendError{Err: fmt.Errorf("connection refused")}
	}

	orch := newTestOrchestrator(repo, sender)
	require.NoError(t, orch.Start(context.Background(), n.ID))
	orch.Wait()

	got, _ := repo.GetNewsletter(context.Background(), n.ID)
	assert.Equal(t, domain.NewsletterFailed, got.Status)
	assert.Zero(t, got.SentCount)
	assert.Equal(t, 3, got.FailedCount)
}

func TestMaterializationIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	repo.addSubscriber("a@example.com", true)
	repo.addSubscriber("b@example.com", true)
	n := repo.addNewsletter(domain.NewsletterSending)
	ctx := context.Background()

	ids, err := repo.ListEligibleSubscriberIDs(ctx)
	require.NoError(t, err)

	inserted, err := repo.MaterializeSends(ctx, n.ID, ids)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	inserted, err = repo.MaterializeSends(ctx, n.ID, ids)
	require.NoError(t, err)
	assert.Zero(t, inserted)

	total, _, err := repo.CountSends(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestPauseResumeProcessesEachRowOnce(t *testing.T) {
	repo := newMemRepo()
	repo.addSubscriber("a@example.com", true)
	repo.addSubscriber("b@example.com", true)
	repo.addSubscriber("c@example.com", true)
	n := repo.addNewsletter(domain.NewsletterSending)

	sender := newMockSender()
	orch := newTestOrchestrator(repo, sender)

	// Pause after the first delivery; the session stops claiming and the
	// remaining rows stay pending.
	var once sync.Once
	sender.onSend = func(string) {
		once.Do(func() {
			ok, err := repo.TransitionStatus(context.Background(), n.ID, domain.NewsletterSending, domain.NewsletterPaused, time.Now())
			require.NoError(t, err)
			require.True(t, ok)
		})
	}

	err := orch.run(context.Background(), n.ID)
	assert.ErrorIs(t, err, ErrDeliveryAborted)

	got, _ := repo.GetNewsletter(context.Background(), n.ID)
	assert.Equal(t, domain.NewsletterPaused, got.Status)
	assert.Equal(t, 1, got.SentCount)
	_, pending, _ := repo.CountSends(context.Background(), n.ID)
	assert.Equal(t, 2, pending)

	sender.mu.Lock()
	sender.onSend = nil
	sender.mu.Unlock()

	require.NoError(t, orch.Resume(context.Background(), n.ID))
	orch.Wait()

	got, _ = repo.GetNewsletter(context.Background(), n.ID)
	assert.Equal(t, domain.NewsletterSent, got.Status)
	assert.Equal(t, 3, got.SentCount)
	assert.Zero(t, got.FailedCount)

	// Across both sessions every recipient was handled exactly once.
	assert.Equal(t, []string{"a@example.com", "b@example.com", "c@example.com"}, sender.recipients())
}

func TestHardBounceMarksSubscriber(t *testing.T) {
	repo := newMemRepo()
	bad := repo.addSubscriber("gone@example.com", true)
	n := repo.addNewsletter(domain.NewsletterDraft)

	sender := newMockSender()
	sender.failAddrs[bad.Email] = &email.SendError{Code: 550, Err: fmt.Errorf("no such user")}

	bounces := &mockBounces{}
	orch := NewOrchestrator(repo, sender, bounces, Options{BaseURL: "https://newsletter.coscup.org", SendConcurrency: 1, BatchSize: 1})
	require.NoError(t, orch.Start(context.Background(), n.ID))
	orch.Wait()

	assert.Equal(t, []string{bad.ID}, bounces.ids)
}

func TestScheduleCancelSemantics(t *testing.T) {
	repo := newMemRepo()
	orch := newTestOrchestrator(repo, newMockSender())
	ctx := context.Background()

	n := repo.addNewsletter(domain.NewsletterDraft)
	require.NoError(t, orch.Schedule(ctx, n.ID, time.Now().Add(time.Hour)))
	got, _ := repo.GetNewsletter(ctx, n.ID)
	assert.Equal(t, domain.NewsletterScheduled, got.Status)
	require.NotNil(t, got.ScheduledAt)

	// scheduled --cancel--> draft
	require.NoError(t, orch.Cancel(ctx, n.ID))
	got, _ = repo.GetNewsletter(ctx, n.ID)
	assert.Equal(t, domain.NewsletterDraft, got.Status)
	assert.Nil(t, got.ScheduledAt)

	// cancelling a draft is invalid
	assert.ErrorIs(t, orch.Cancel(ctx, n.ID), ErrInvalidTransition)

	// scheduling twice is invalid
	require.NoError(t, orch.Schedule(ctx, n.ID, time.Now().Add(time.Hour)))
	assert.ErrorIs(t, orch.Schedule(ctx, n.ID, time.Now().Add(time.Hour)), ErrInvalidTransition)

	// paused --cancel--> sent
	repo.newsletters[n.ID].Status = domain.NewsletterPaused
	require.NoError(t, orch.Cancel(ctx, n.ID))
	got, _ = repo.GetNewsletter(ctx, n.ID)
	assert.Equal(t, domain.NewsletterSent, got.Status)

	assert.ErrorIs(t, orch.Cancel(ctx, "missing"), ErrNotFound)
}

func TestRetryFailed(t *testing.T) {
	repo := newMemRepo()
	sub := repo.addSubscriber("flaky@example.com", true)
	n := repo.addNewsletter(domain.NewsletterDraft)

	sender := newMockSender()
	sender.failAddrs[sub.Email] = &email.SendError{Code: 451, Err: fmt.Errorf("try later")}

	orch := newTestOrchestrator(repo, sender)
	ctx := context.Background()
	require.NoError(t, orch.Start(ctx, n.ID))
	orch.Wait()

	got, _ := repo.GetNewsletter(ctx, n.ID)
	require.Equal(t, domain.NewsletterFailed, got.Status)

	// The relay recovered; retry succeeds.
	sender.mu.Lock()
	delete(sender.failAddrs, sub.Email)
	sender.mu.Unlock()

	require.NoError(t, orch.RetryFailed(ctx, n.ID))
	orch.Wait()

	got, _ = repo.GetNewsletter(ctx, n.ID)
	assert.Equal(t, domain.NewsletterSent, got.Status)
	assert.Equal(t, 1, got.SentCount)
	assert.Zero(t, got.FailedCount)
}

func TestRetryFailedWithNothingToRetry(t *testing.T) {
	repo := newMemRepo()
	repo.addSubscriber("a@example.com", true)
	n := repo.addNewsletter(domain.NewsletterDraft)

	orch := newTestOrchestrator(repo, newMockSender())
	ctx := context.Background()
	require.NoError(t, orch.Start(ctx, n.ID))
	orch.Wait()

	got, _ := repo.GetNewsletter(ctx, n.ID)
	require.Equal(t, domain.NewsletterSent, got.Status)

	// No failed rows: the call is a no-op and the status stays sent.
	require.NoError(t, orch.RetryFailed(ctx, n.ID))
	got, _ = repo.GetNewsletter(ctx, n.ID)
	assert.Equal(t, domain.NewsletterSent, got.Status)
}

func TestUpdateDraftFrozenAfterStart(t *testing.T) {
	repo := newMemRepo()
	orch := newTestOrchestrator(repo, newMockSender())
	ctx := context.Background()

	n, err := orch.CreateDraft(ctx, DraftInput{Title: "August Issue", MarkdownContent: "# hi"})
	require.NoError(t, err)
	assert.Equal(t, "august-issue", n.Slug)

	_, err = orch.UpdateDraft(ctx, n.ID, DraftInput{Title: "August Issue v2", MarkdownContent: "# hi2"})
	require.NoError(t, err)

	repo.newsletters[n.ID].Status = domain.NewsletterSending
	_, err = orch.UpdateDraft(ctx, n.ID, DraftInput{Title: "nope"})
	assert.ErrorIs(t, err, ErrNotEditable)
}

func TestPersonalizationRendersTrackingArtifacts(t *testing.T) {
	repo := newMemRepo()
	sub := repo.addSubscriber("a@example.com", true)
	n := repo.addNewsletter(domain.NewsletterDraft)

	var body string
	sender := newMockSender()
	capture := &captureSender{inner: sender, body: &body}

	orch := newTestOrchestrator(repo, capture)
	require.NoError(t, orch.Start(context.Background(), n.ID))
	orch.Wait()

	link := token.DeriveAdminLink(sub.SecretCode, sub.Email)
	assert.Contains(t, body, "/unsubscribe/"+link)
	assert.Contains(t, body, "/r/o?")
	assert.Contains(t, body, "/r/c?")
	assert.Contains(t, body, "ucode="+sub.Ucode)
	assert.NotContains(t, body, "%recipient_name%")
	assert.Contains(t, body, "Sub")
}

type captureSender struct {
	inner email.Sender
	body  *string
}

func (c *captureSender) Send(ctx context.Context, to, subject, htmlBody string, headers []email.Header) error {
	*c.body = htmlBody
	for _, h := range headers {
		if h.Name == "List-Unsubscribe" && !strings.Contains(h.Value, "/unsubscribe/") {
			return fmt.Errorf("bad unsubscribe header %q", h.Value)
		}
	}
	return c.inner.Send(ctx, to, subject, htmlBody, headers)
}
