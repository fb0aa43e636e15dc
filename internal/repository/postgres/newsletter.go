package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/COSCUP/newsletter/internal/domain"
	"github.com/COSCUP/newsletter/internal/service/delivery"
)

const newsletterColumns = `id, slug, title, COALESCE(markdown_content,''),
		       COALESCE(rendered_html,''), template_id, status,
		       sent_count, failed_count, total_count,
		       scheduled_at, sending_started_at, sending_completed_at,
		       created_at, updated_at`

// NewsletterRepo implements delivery.Repository against PostgreSQL.
type NewsletterRepo struct{ db *sql.DB }

// NewNewsletterRepo creates a Postgres-backed newsletter repository.
func NewNewsletterRepo(db *sql.DB) *NewsletterRepo { return &NewsletterRepo{db: db} }

func (r *NewsletterRepo) CreateNewsletter(ctx context.Context, n *domain.Newsletter) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO newsletters
			(id, slug, title, markdown_content, rendered_html, template_id, status,
			 sent_count, failed_count, total_count, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, 0, $8, $9, $10)
	`, n.ID, n.Slug, n.Title, n.MarkdownContent, n.RenderedHTML, n.TemplateID,
		n.Status, n.ScheduledAt, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert newsletter: %w", err)
	}
	return nil
}

func (r *NewsletterRepo) GetNewsletter(ctx context.Context, id string) (*domain.Newsletter, error) {
	return r.getNewsletterBy(ctx, "id", id)
}

func (r *NewsletterRepo) GetNewsletterBySlug(ctx context.Context, slug string) (*domain.Newsletter, error) {
	return r.getNewsletterBy(ctx, "slug", slug)
}

func (r *NewsletterRepo) getNewsletterBy(ctx context.Context, column, value string) (*domain.Newsletter, error) {
	n := &domain.Newsletter{}
	err := r.db.QueryRowContext(ctx,
		`SELECT `+newsletterColumns+` FROM newsletters WHERE `+column+` = $1`, value,
	).Scan(
		&n.ID, &n.Slug, &n.Title, &n.MarkdownContent, &n.RenderedHTML,
		&n.TemplateID, &n.Status, &n.SentCount, &n.FailedCount, &n.TotalCount,
		&n.ScheduledAt, &n.SendingStartedAt, &n.SendingCompletedAt,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get newsletter: %w", err)
	}
	return n, nil
}

func (r *NewsletterRepo) ListNewsletters(ctx context.Context, statuses []domain.NewsletterStatus) ([]*domain.Newsletter, error) {
	q := `SELECT ` + newsletterColumns + ` FROM newsletters`
	args := []interface{}{}
	if len(statuses) > 0 {
		strs := make([]string, len(statuses))
		for i, s := range statuses {
			strs[i] = string(s)
		}
		q += ` WHERE status = ANY($1)`
		args = append(args, pq.Array(strs))
	}
	q += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list newsletters: %w", err)
	}
	defer rows.Close()

	var out []*domain.Newsletter
	for rows.Next() {
		n := &domain.Newsletter{}
		if err := rows.Scan(
			&n.ID, &n.Slug, &n.Title, &n.MarkdownContent, &n.RenderedHTML,
			&n.TemplateID, &n.Status, &n.SentCount, &n.FailedCount, &n.TotalCount,
			&n.ScheduledAt, &n.SendingStartedAt, &n.SendingCompletedAt,
			&n.CreatedAt, &n.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan newsletter: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *NewsletterRepo) UpdateNewsletterContent(ctx context.Context, n *domain.Newsletter) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE newsletters
		SET slug = $2, title = $3, markdown_content = $4, rendered_html = $5,
		    template_id = $6, updated_at = $7
		WHERE id = $1
	`, n.ID, n.Slug, n.Title, n.MarkdownContent, n.RenderedHTML, n.TemplateID, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update newsletter: %w", err)
	}
	return nil
}

func (r *NewsletterRepo) DeleteNewsletter(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM newsletters WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete newsletter: %w", err)
	}
	return nil
}

func (r *NewsletterRepo) TransitionStatus(ctx context.Context, id string, from, to domain.NewsletterStatus, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE newsletters
		SET status = $3,
		    updated_at = $4,
		    sending_started_at = CASE
		        WHEN $3 = 'sending' AND sending_started_at IS NULL THEN $4
		        ELSE sending_started_at END,
		    sending_completed_at = CASE
		        WHEN $3 IN ('sent', 'failed') THEN $4
		        ELSE sending_completed_at END
		WHERE id = $1 AND status = $2
	`, id, from, to, at)
	if err != nil {
		return false, fmt.Errorf("transition newsletter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition newsletter: %w", err)
	}
	return n == 1, nil
}

func (r *NewsletterRepo) SetScheduledAt(ctx context.Context, id string, at *time.Time) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE newsletters SET scheduled_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("set scheduled_at: %w", err)
	}
	return nil
}

func (r *NewsletterRepo) SetRenderedHTML(ctx context.Context, id, html string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE newsletters SET rendered_html = $2 WHERE id = $1`, id, html); err != nil {
		return fmt.Errorf("set rendered_html: %w", err)
	}
	return nil
}

func (r *NewsletterRepo) SetTotalCount(ctx context.Context, id string, total int) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE newsletters SET total_count = $2 WHERE id = $1`, id, total); err != nil {
		return fmt.Errorf("set total_count: %w", err)
	}
	return nil
}

func (r *NewsletterRepo) CompleteNewsletter(ctx context.Context, id string, status domain.NewsletterStatus, at time.Time) (bool, error) {
	return r.TransitionStatus(ctx, id, domain.NewsletterSending, status, at)
}

func (r *NewsletterRepo) ListDueScheduled(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM newsletters
		WHERE status = 'scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due newsletters: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan newsletter id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *NewsletterRepo) GetTemplate(ctx context.Context, id string) (*domain.NewsletterTemplate, error) {
	return r.getTemplateBy(ctx, "id", id)
}

func (r *NewsletterRepo) GetTemplateBySlug(ctx context.Context, slug string) (*domain.NewsletterTemplate, error) {
	return r.getTemplateBy(ctx, "slug", slug)
}

func (r *NewsletterRepo) getTemplateBy(ctx context.Context, column, value string) (*domain.NewsletterTemplate, error) {
	t := &domain.NewsletterTemplate{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, slug, name, html_body, created_at, updated_at
		 FROM newsletter_templates WHERE `+column+` = $1`, value,
	).Scan(&t.ID, &t.Slug, &t.Name, &t.HTMLBody, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

func (r *NewsletterRepo) ListEligibleSubscriberIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM subscribers
		WHERE status AND verified_email AND bounced_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("list eligible subscribers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscriber id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *NewsletterRepo) MaterializeSends(ctx context.Context, newsletterID string, subscriberIDs []string) (int, error) {
	if len(subscriberIDs) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO newsletter_sends (id, newsletter_id, subscriber_id, status, created_at)
		SELECT gen_random_uuid(), $1, s, 'pending', now()
		FROM unnest($2::uuid[]) AS s
		ON CONFLICT (newsletter_id, subscriber_id) DO NOTHING
	`, newsletterID, pq.Array(subscriberIDs))
	if err != nil {
		return 0, fmt.Errorf("materialize sends: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("materialize sends: %w", err)
	}
	return int(n), nil
}

func (r *NewsletterRepo) CountSends(ctx context.Context, newsletterID string) (total, pending int, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'pending')
		FROM newsletter_sends WHERE newsletter_id = $1
	`, newsletterID).Scan(&total, &pending)
	if err != nil {
		return 0, 0, fmt.Errorf("count sends: %w", err)
	}
	return total, pending, nil
}

func (r *NewsletterRepo) ClaimPending(ctx context.Context, newsletterID string, limit int) ([]delivery.SendJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ns.id, ns.newsletter_id, ns.subscriber_id, ns.status, ns.created_at,
		       s.id, s.email, COALESCE(s.name,''), s.status, s.verified_email,
		       s.secret_code, s.ucode, s.legacy_admin_link,
		       COALESCE(s.subscription_source,''), s.bounced_at, s.created_at, s.updated_at
		FROM newsletter_sends ns
		JOIN subscribers s ON s.id = ns.subscriber_id
		WHERE ns.newsletter_id = $1 AND ns.status = 'pending'
		ORDER BY ns.created_at
		LIMIT $2
	`, newsletterID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending sends: %w", err)
	}
	defer rows.Close()

	var jobs []delivery.SendJob
	for rows.Next() {
		send := &domain.NewsletterSend{}
		s := &domain.Subscriber{}
		if err := rows.Scan(
			&send.ID, &send.NewsletterID, &send.SubscriberID, &send.Status, &send.CreatedAt,
			&s.ID, &s.Email, &s.Name, &s.Status, &s.VerifiedEmail,
			&s.SecretCode, &s.Ucode, &s.LegacyAdminLink,
			&s.SubscriptionSource, &s.BouncedAt, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan send job: %w", err)
		}
		jobs = append(jobs, delivery.SendJob{Send: send, Subscriber: s})
	}
	return jobs, rows.Err()
}

// MarkSent flips the ledger row and bumps the aggregate counter in one
// transaction so the two can never drift.
func (r *NewsletterRepo) MarkSent(ctx context.Context, sendID, newsletterID string, at time.Time) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE newsletter_sends SET status = 'sent', sent_at = $2
			WHERE id = $1 AND status = 'pending'
		`, sendID, at)
		if err != nil {
			return fmt.Errorf("mark send sent: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Already handled by another session.
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE newsletters SET sent_count = sent_count + 1, updated_at = $2
			WHERE id = $1
		`, newsletterID, at); err != nil {
			return fmt.Errorf("bump sent_count: %w", err)
		}
		return nil
	})
}

func (r *NewsletterRepo) MarkFailed(ctx context.Context, sendID, newsletterID, errMsg string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE newsletter_sends SET status = 'failed', error_message = $2
			WHERE id = $1 AND status = 'pending'
		`, sendID, errMsg)
		if err != nil {
			return fmt.Errorf("mark send failed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE newsletters SET failed_count = failed_count + 1, updated_at = now()
			WHERE id = $1
		`, newsletterID); err != nil {
			return fmt.Errorf("bump failed_count: %w", err)
		}
		return nil
	})
}

func (r *NewsletterRepo) ResetFailed(ctx context.Context, newsletterID string) (int64, error) {
	var reset int64
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE newsletter_sends SET status = 'pending', error_message = NULL
			WHERE newsletter_id = $1 AND status = 'failed'
		`, newsletterID)
		if err != nil {
			return fmt.Errorf("reset failed sends: %w", err)
		}
		if reset, err = res.RowsAffected(); err != nil {
			return err
		}
		if reset == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE newsletters SET failed_count = failed_count - $2, updated_at = now()
			WHERE id = $1
		`, newsletterID, reset); err != nil {
			return fmt.Errorf("reset failed_count: %w", err)
		}
		return nil
	})
	return reset, err
}

func (r *NewsletterRepo) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
