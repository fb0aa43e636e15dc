package domain

import "time"

// NewsletterStatus enumerates the lifecycle states of a newsletter.
type NewsletterStatus string

const (
	NewsletterDraft     NewsletterStatus = "draft"
	NewsletterScheduled NewsletterStatus = "scheduled"
	NewsletterSending   NewsletterStatus = "sending"
	NewsletterPaused    NewsletterStatus = "paused"
	NewsletterSent      NewsletterStatus = "sent"
	NewsletterFailed    NewsletterStatus = "failed"
)

// Newsletter represents one issue of the mailing list with its content and
// delivery bookkeeping.
type Newsletter struct {
	ID              string           `json:"id" db:"id"`
	Slug            string           `json:"slug" db:"slug"`
	Title           string           `json:"title" db:"title"`
	MarkdownContent string           `json:"markdown_content" db:"markdown_content"`
	RenderedHTML    string           `json:"rendered_html" db:"rendered_html"`
	TemplateID      *string          `json:"template_id" db:"template_id"`
	Status          NewsletterStatus `json:"status" db:"status"`

	SentCount   int `json:"sent_count" db:"sent_count"`
	FailedCount int `json:"failed_count" db:"failed_count"`
	TotalCount  int `json:"total_count" db:"total_count"`

	ScheduledAt        *time.Time `json:"scheduled_at" db:"scheduled_at"`
	SendingStartedAt   *time.Time `json:"sending_started_at" db:"sending_started_at"`
	SendingCompletedAt *time.Time `json:"sending_completed_at" db:"sending_completed_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the newsletter is in a final state.
func (n *Newsletter) IsTerminal() bool {
	return n.Status == NewsletterSent || n.Status == NewsletterFailed
}

// Editable returns true if content mutation is still allowed. Once sending
// has started the content is frozen.
func (n *Newsletter) Editable() bool {
	return n.Status == NewsletterDraft || n.Status == NewsletterScheduled
}

// SendStatus enumerates the lifecycle of one ledger row.
type SendStatus string

const (
	SendPending SendStatus = "pending"
	SendSent    SendStatus = "sent"
	SendFailed  SendStatus = "failed"
)

// NewsletterSend is the per-(newsletter, subscriber) delivery ledger row.
// The pair is unique; that constraint is what makes ledger materialization
// idempotent across repeated or concurrent sending sessions.
type NewsletterSend struct {
	ID           string     `json:"id" db:"id"`
	NewsletterID string     `json:"newsletter_id" db:"newsletter_id"`
	SubscriberID string     `json:"subscriber_id" db:"subscriber_id"`
	Status       SendStatus `json:"status" db:"status"`
	ErrorMessage *string    `json:"error_message" db:"error_message"`
	SentAt       *time.Time `json:"sent_at" db:"sent_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// NewsletterTemplate holds a reusable Liquid template wrapping newsletter
// content into a full email body.
type NewsletterTemplate struct {
	ID        string    `json:"id" db:"id"`
	Slug      string    `json:"slug" db:"slug"`
	Name      string    `json:"name" db:"name"`
	HTMLBody  string    `json:"html_body" db:"html_body"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DefaultTemplateSlug is the fallback template used when a newsletter has no
// explicit template assigned.
const DefaultTemplateSlug = "coscup-default"
