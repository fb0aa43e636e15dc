// Package delivery drives a newsletter through its send lifecycle, fanning
// out to a per-subscriber send ledger. The ledger rows, unique per
// (newsletter, subscriber), are the idempotency guard and the source of
// truth for what has already been handled; the in-memory loop holds no
// state a process restart would lose.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/COSCUP/newsletter/internal/content"
	"github.com/COSCUP/newsletter/internal/domain"
	"github.com/COSCUP/newsletter/internal/email"
	"github.com/COSCUP/newsletter/internal/pkg/logger"
	"github.com/COSCUP/newsletter/internal/service/subscriber"
)

const defaultBatchSize = 50

// Options tunes one orchestrator instance.
type Options struct {
	BaseURL         string
	SendConcurrency int
	// PerSendThrottle is the gap between handing out consecutive jobs,
	// keeping the SMTP relay under its rate limit.
	PerSendThrottle time.Duration
	BatchSize       int
}

// Orchestrator owns the newsletter state machine and the sending loop.
// Two newsletters may send concurrently; nothing here serializes them.
type Orchestrator struct {
	repo    Repository
	sender  email.Sender
	engine  *content.Engine
	bounces BounceMarker
	opts    Options
	now     func() time.Time

	wg sync.WaitGroup
}

func NewOrchestrator(repo Repository, sender email.Sender, bounces BounceMarker, opts Options) *Orchestrator {
	if opts.SendConcurrency <= 0 {
		opts.SendConcurrency = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Orchestrator{
		repo:    repo,
		sender:  sender,
		engine:  content.NewEngine(),
		bounces: bounces,
		opts:    opts,
		now:     time.Now,
	}
}

// Wait blocks until all background sending sessions have finished. Called
// on shutdown after the HTTP server has stopped.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Schedule queues a draft newsletter for sending at the given time.
func (o *Orchestrator) Schedule(ctx context.Context, id string, at time.Time) error {
	ok, err := o.repo.TransitionStatus(ctx, id, domain.NewsletterDraft, domain.NewsletterScheduled, o.now())
	if err != nil {
		return fmt.Errorf("schedule newsletter: %w", err)
	}
	if !ok {
		return o.transitionErr(ctx, id)
	}
	t := at
	if err := o.repo.SetScheduledAt(ctx, id, &t); err != nil {
		return fmt.Errorf("set scheduled_at: %w", err)
	}
	return nil
}

// Cancel backs a newsletter out of its current in-flight state:
// scheduled returns to draft, sending is paused in place, and a paused
// newsletter is closed out as sent with whatever counters it reached.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	n, err := o.get(ctx, id)
	if err != nil {
		return err
	}
	switch n.Status {
	case domain.NewsletterScheduled:
		ok, err := o.repo.TransitionStatus(ctx, id, domain.NewsletterScheduled, domain.NewsletterDraft, o.now())
		if err != nil {
			return fmt.Errorf("cancel newsletter: %w", err)
		}
		if ok {
			if err := o.repo.SetScheduledAt(ctx, id, nil); err != nil {
				return fmt.Errorf("clear scheduled_at: %w", err)
			}
			return nil
		}
		return o.transitionErr(ctx, id)
	case domain.NewsletterSending:
		return o.Pause(ctx, id)
	case domain.NewsletterPaused:
		ok, err := o.repo.TransitionStatus(ctx, id, domain.NewsletterPaused, domain.NewsletterSent, o.now())
		if err != nil {
			return fmt.Errorf("cancel newsletter: %w", err)
		}
		if !ok {
			return o.transitionErr(ctx, id)
		}
		return nil
	default:
		return ErrInvalidTransition
	}
}

// Pause asks the sending loop to stop claiming new rows. In-flight sends
// complete and are accounted for; remaining rows stay pending.
func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	ok, err := o.repo.TransitionStatus(ctx, id, domain.NewsletterSending, domain.NewsletterPaused, o.now())
	if err != nil {
		return fmt.Errorf("pause newsletter: %w", err)
	}
	if !ok {
		return o.transitionErr(ctx, id)
	}
	return nil
}

// Resume re-enters sending from paused. Only rows still pending are
// processed; sent and failed rows are untouched.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	ok, err := o.repo.TransitionStatus(ctx, id, domain.NewsletterPaused, domain.NewsletterSending, o.now())
	if err != nil {
		return fmt.Errorf("resume newsletter: %w", err)
	}
	if !ok {
		return o.transitionErr(ctx, id)
	}
	o.spawn(id)
	return nil
}

// Start begins sending a draft or scheduled newsletter. The transition
// happens synchronously so the caller sees a state error immediately; the
// recipient fan-out runs in the background and the triggering request
// never waits for it.
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	now := o.now()
	ok, err := o.repo.TransitionStatus(ctx, id, domain.NewsletterDraft, domain.NewsletterSending, now)
	if err != nil {
		return fmt.Errorf("start newsletter: %w", err)
	}
	if !ok {
		ok, err = o.repo.TransitionStatus(ctx, id, domain.NewsletterScheduled, domain.NewsletterSending, now)
		if err != nil {
			return fmt.Errorf("start newsletter: %w", err)
		}
	}
	if !ok {
		return o.transitionErr(ctx, id)
	}
	o.spawn(id)
	return nil
}

// RetryFailed returns failed ledger rows to pending and re-enters sending.
// Retry is always an explicit administrator action, never automatic.
func (o *Orchestrator) RetryFailed(ctx context.Context, id string) error {
	n, err := o.get(ctx, id)
	if err != nil {
		return err
	}
	switch n.Status {
	case domain.NewsletterSent, domain.NewsletterFailed, domain.NewsletterPaused:
	default:
		return ErrInvalidTransition
	}
	reset, err := o.repo.ResetFailed(ctx, id)
	if err != nil {
		return fmt.Errorf("reset failed sends: %w", err)
	}
	if reset == 0 {
		return nil
	}
	ok, err := o.repo.TransitionStatus(ctx, id, n.Status, domain.NewsletterSending, o.now())
	if err != nil {
		return fmt.Errorf("retry newsletter: %w", err)
	}
	if !ok {
		return o.transitionErr(ctx, id)
	}
	logger.Info("retrying failed sends", "newsletter_id", id, "rows", reset)
	o.spawn(id)
	return nil
}

// Snapshot is the delivery progress view for the admin UI.
type Snapshot struct {
	Status      domain.NewsletterStatus `json:"status"`
	SentCount   int                     `json:"sent_count"`
	FailedCount int                     `json:"failed_count"`
	TotalCount  int                     `json:"total_count"`
	Pending     int                     `json:"pending"`
}

// Status reports current counters straight from storage.
func (o *Orchestrator) Status(ctx context.Context, id string) (*Snapshot, error) {
	n, err := o.get(ctx, id)
	if err != nil {
		return nil, err
	}
	_, pending, err := o.repo.CountSends(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("count sends: %w", err)
	}
	return &Snapshot{
		Status:      n.Status,
		SentCount:   n.SentCount,
		FailedCount: n.FailedCount,
		TotalCount:  n.TotalCount,
		Pending:     pending,
	}, nil
}

func (o *Orchestrator) spawn(id string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.run(context.Background(), id); err != nil && !errors.Is(err, ErrDeliveryAborted) {
			logger.Error("sending session failed", "newsletter_id", id, "error", err)
		}
	}()
}

// run is one sending session. It is re-entrant: materialization ignores
// existing ledger rows and only pending rows are claimed, so resuming
// after a pause or a process restart never double-processes a recipient.
func (o *Orchestrator) run(ctx context.Context, id string) error {
	n, err := o.get(ctx, id)
	if err != nil {
		return err
	}
	if n.Status != domain.NewsletterSending {
		return ErrDeliveryAborted
	}

	tmpl, err := o.template(ctx, n)
	if err != nil {
		return err
	}

	if n.RenderedHTML == "" {
		html, err := content.RenderMarkdown(n.MarkdownContent)
		if err != nil {
			return fmt.Errorf("render newsletter: %w", err)
		}
		html = content.AbsolutizeImageSrcs(html, o.opts.BaseURL)
		html = content.StyleImagesForEmail(html)
		if err := o.repo.SetRenderedHTML(ctx, id, html); err != nil {
			return fmt.Errorf("persist rendered html: %w", err)
		}
		n.RenderedHTML = html
	}

	eligible, err := o.repo.ListEligibleSubscriberIDs(ctx)
	if err != nil {
		return fmt.Errorf("list eligible subscribers: %w", err)
	}
	if _, err := o.repo.MaterializeSends(ctx, id, eligible); err != nil {
		return fmt.Errorf("materialize sends: %w", err)
	}
	total, _, err := o.repo.CountSends(ctx, id)
	if err != nil {
		return fmt.Errorf("count sends: %w", err)
	}
	if err := o.repo.SetTotalCount(ctx, id, total); err != nil {
		return fmt.Errorf("set total_count: %w", err)
	}
	logger.Info("sending session started", "newsletter_id", id, "slug", n.Slug, "total", total)

	for {
		// The status row is the pause flag: reload between batches so an
		// administrator pause or cancel stops new claims.
		cur, err := o.get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != domain.NewsletterSending {
			logger.Info("sending session stopped", "newsletter_id", id, "status", string(cur.Status))
			return ErrDeliveryAborted
		}

		jobs, err := o.repo.ClaimPending(ctx, id, o.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("claim pending sends: %w", err)
		}
		if len(jobs) == 0 {
			return o.finalize(ctx, id)
		}
		o.processBatch(ctx, n, tmpl, jobs)
	}
}

func (o *Orchestrator) processBatch(ctx context.Context, n *domain.Newsletter, tmpl *domain.NewsletterTemplate, jobs []SendJob) {
	ch := make(chan SendJob)
	var wg sync.WaitGroup
	for i := 0; i < o.opts.SendConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range ch {
				o.sendOne(ctx, n, tmpl, job)
			}
		}()
	}
	for _, job := range jobs {
		ch <- job
		if o.opts.PerSendThrottle > 0 {
			time.Sleep(o.opts.PerSendThrottle)
		}
	}
	close(ch)
	wg.Wait()
}

func (o *Orchestrator) sendOne(ctx context.Context, n *domain.Newsletter, tmpl *domain.NewsletterTemplate, job SendJob) {
	sub := job.Subscriber
	body, err := o.personalize(n, tmpl, sub)
	if err != nil {
		o.recordFailure(ctx, n.ID, job, err)
		return
	}

	link := subscriber.AdminLink(sub)
	unsubURL := o.opts.BaseURL + "/unsubscribe/" + link
	headers := []email.Header{
		{Name: "List-Unsubscribe", Value: "<" + unsubURL + ">"},
		{Name: "List-Unsubscribe-Post", Value: "List-Unsubscribe=One-Click"},
	}

	if err := o.sender.Send(ctx, sub.Email, n.Title, body, headers); err != nil {
		o.recordFailure(ctx, n.ID, job, err)
		var sendErr *email.SendError
		if errors.As(err, &sendErr) && sendErr.IsHardBounce() {
			if berr := o.bounces.MarkBounced(ctx, sub.ID); berr != nil {
				logger.Warn("mark bounced failed", "subscriber_id", sub.ID, "error", berr)
			}
		}
		return
	}
	if err := o.repo.MarkSent(ctx, job.Send.ID, n.ID, o.now()); err != nil {
		logger.Error("mark sent failed", "send_id", job.Send.ID, "error", err)
	}
}

func (o *Orchestrator) recordFailure(ctx context.Context, newsletterID string, job SendJob, sendErr error) {
	logger.Warn("recipient send failed", "newsletter_id", newsletterID, "recipient", job.Subscriber.Email, "error", sendErr)
	msg := sendErr.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	if err := o.repo.MarkFailed(ctx, job.Send.ID, newsletterID, msg); err != nil {
		logger.Error("mark failed failed", "send_id", job.Send.ID, "error", err)
	}
}

// finalize closes out a sending session with no pending rows left.
// Individual recipient failures do not fail the campaign; only a session
// where nothing at all could be delivered is treated as systemic.
func (o *Orchestrator) finalize(ctx context.Context, id string) error {
	n, err := o.get(ctx, id)
	if err != nil {
		return err
	}
	status := domain.NewsletterSent
	if n.FailedCount > 0 && n.SentCount == 0 {
		status = domain.NewsletterFailed
	}
	ok, err := o.repo.CompleteNewsletter(ctx, id, status, o.now())
	if err != nil {
		return fmt.Errorf("complete newsletter: %w", err)
	}
	if !ok {
		return ErrDeliveryAborted
	}
	logger.Info("sending session finished", "newsletter_id", id,
		"status", string(status), "sent", n.SentCount, "failed", n.FailedCount)
	return nil
}

func (o *Orchestrator) personalize(n *domain.Newsletter, tmpl *domain.NewsletterTemplate, sub *domain.Subscriber) (string, error) {
	body := content.ReplaceRecipientName(n.RenderedHTML, sub.Name)
	body = content.RewriteLinksForTracking(body, sub.SecretCode, sub.Ucode, n.Slug, o.opts.BaseURL)

	link := subscriber.AdminLink(sub)
	b := content.Bindings{
		Title:          n.Title,
		Content:        body,
		TrackingPixel:  content.BuildTrackingPixel(sub.SecretCode, sub.Ucode, n.Slug, o.opts.BaseURL),
		UnsubscribeURL: o.opts.BaseURL + "/unsubscribe/" + link,
		ManageURL:      o.opts.BaseURL + "/manage/" + link,
		BaseURL:        strings.TrimRight(o.opts.BaseURL, "/"),
		WebURL:         strings.TrimRight(o.opts.BaseURL, "/") + "/newsletters/" + n.Slug,
	}
	return o.engine.Render(tmpl.HTMLBody, b)
}

func (o *Orchestrator) template(ctx context.Context, n *domain.Newsletter) (*domain.NewsletterTemplate, error) {
	if n.TemplateID != nil {
		tmpl, err := o.repo.GetTemplate(ctx, *n.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("load template: %w", err)
		}
		if tmpl != nil {
			return tmpl, nil
		}
	}
	tmpl, err := o.repo.GetTemplateBySlug(ctx, domain.DefaultTemplateSlug)
	if err != nil {
		return nil, fmt.Errorf("load default template: %w", err)
	}
	if tmpl == nil {
		return nil, fmt.Errorf("default template %q missing", domain.DefaultTemplateSlug)
	}
	return tmpl, nil
}

func (o *Orchestrator) get(ctx context.Context, id string) (*domain.Newsletter, error) {
	n, err := o.repo.GetNewsletter(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lookup newsletter: %w", err)
	}
	if n == nil {
		return nil, ErrNotFound
	}
	return n, nil
}

func (o *Orchestrator) transitionErr(ctx context.Context, id string) error {
	if _, err := o.get(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}
