package delivery

import (
	"context"
	"time"

	"github.com/COSCUP/newsletter/internal/domain"
)

// SendJob is one claimed ledger row joined with the recipient it belongs
// to, everything a worker needs to personalize and send.
type SendJob struct {
	Send       *domain.NewsletterSend
	Subscriber *domain.Subscriber
}

// Repository defines the data access contract for newsletters, templates,
// and the per-recipient send ledger.
type Repository interface {
	CreateNewsletter(ctx context.Context, n *domain.Newsletter) error
	// GetNewsletter and GetNewsletterBySlug return nil when no row matches.
	GetNewsletter(ctx context.Context, id string) (*domain.Newsletter, error)
	GetNewsletterBySlug(ctx context.Context, slug string) (*domain.Newsletter, error)
	ListNewsletters(ctx context.Context, statuses []domain.NewsletterStatus) ([]*domain.Newsletter, error)
	UpdateNewsletterContent(ctx context.Context, n *domain.Newsletter) error
	DeleteNewsletter(ctx context.Context, id string) error

	// TransitionStatus performs a conditional status update: the row moves
	// from -> to only if its current status equals from, and ok reports
	// whether this caller won. Implementations set the matching lifecycle
	// timestamp (scheduled_at is set separately, sending_started_at on
	// first entry to sending, sending_completed_at on entry to a terminal
	// status).
	TransitionStatus(ctx context.Context, id string, from, to domain.NewsletterStatus, at time.Time) (ok bool, err error)
	SetScheduledAt(ctx context.Context, id string, at *time.Time) error
	SetRenderedHTML(ctx context.Context, id, html string) error
	SetTotalCount(ctx context.Context, id string, total int) error
	// CompleteNewsletter moves a sending newsletter to its terminal status
	// and stamps sending_completed_at; ok is false if the newsletter was
	// no longer sending.
	CompleteNewsletter(ctx context.Context, id string, status domain.NewsletterStatus, at time.Time) (ok bool, err error)
	// ListDueScheduled returns ids of scheduled newsletters whose
	// scheduled_at is at or before now.
	ListDueScheduled(ctx context.Context, now time.Time) ([]string, error)

	// GetTemplate and GetTemplateBySlug return nil when no row matches.
	GetTemplate(ctx context.Context, id string) (*domain.NewsletterTemplate, error)
	GetTemplateBySlug(ctx context.Context, slug string) (*domain.NewsletterTemplate, error)

	// ListEligibleSubscriberIDs returns subscribed, verified, non-bounced
	// subscriber ids.
	ListEligibleSubscriberIDs(ctx context.Context) ([]string, error)
	// MaterializeSends inserts one pending ledger row per subscriber id,
	// ignoring rows that already exist for the (newsletter, subscriber)
	// pair. Returns the number of rows actually inserted.
	MaterializeSends(ctx context.Context, newsletterID string, subscriberIDs []string) (int, error)
	CountSends(ctx context.Context, newsletterID string) (total, pending int, err error)
	// ClaimPending returns up to limit pending rows joined with their
	// subscribers. Rows are not locked; at-most-once within a session is
	// the orchestrator's job, across sessions the status update is the
	// guard.
	ClaimPending(ctx context.Context, newsletterID string, limit int) ([]SendJob, error)
	// MarkSent and MarkFailed update the ledger row and the newsletter's
	// aggregate counter in the same transaction.
	MarkSent(ctx context.Context, sendID, newsletterID string, at time.Time) error
	MarkFailed(ctx context.Context, sendID, newsletterID, errMsg string) error
	// ResetFailed returns failed ledger rows to pending and decrements
	// failed_count accordingly. Returns how many rows were reset.
	ResetFailed(ctx context.Context, newsletterID string) (int64, error)
}

// BounceMarker flags a subscriber as hard-bounced so future sends skip
// them.
type BounceMarker interface {
	MarkBounced(ctx context.Context, subscriberID string) error
}
