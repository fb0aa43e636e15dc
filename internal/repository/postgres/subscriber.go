package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/COSCUP/newsletter/internal/domain"
	"github.com/COSCUP/newsletter/internal/service/subscriber"
)

const subscriberColumns = `id, email, COALESCE(name,''), status, verified_email,
		       secret_code, ucode, legacy_admin_link,
		       COALESCE(subscription_source,''), bounced_at, created_at, updated_at`

// SubscriberRepo implements subscriber.Repository against PostgreSQL.
type SubscriberRepo struct{ db *sql.DB }

// NewSubscriberRepo creates a Postgres-backed subscriber repository.
func NewSubscriberRepo(db *sql.DB) *SubscriberRepo { return &SubscriberRepo{db: db} }

func (r *SubscriberRepo) Create(ctx context.Context, s *domain.Subscriber) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subscribers
			(id, email, name, status, verified_email, secret_code, ucode,
			 legacy_admin_link, subscription_source, bounced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, s.ID, s.Email, s.Name, s.Status, s.VerifiedEmail, s.SecretCode, s.Ucode,
		s.LegacyAdminLink, s.SubscriptionSource, s.BouncedAt, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if uniqueViolation(err, "subscribers_email_key") {
			return subscriber.ErrEmailExists
		}
		if uniqueViolation(err, "subscribers_ucode_key") {
			return subscriber.ErrUcodeExists
		}
		return fmt.Errorf("insert subscriber: %w", err)
	}
	return nil
}

func (r *SubscriberRepo) GetByID(ctx context.Context, id string) (*domain.Subscriber, error) {
	return r.getBy(ctx, "id", id)
}

func (r *SubscriberRepo) GetByEmail(ctx context.Context, email string) (*domain.Subscriber, error) {
	return r.getBy(ctx, "email", email)
}

func (r *SubscriberRepo) GetByUcode(ctx context.Context, ucode string) (*domain.Subscriber, error) {
	return r.getBy(ctx, "ucode", ucode)
}

func (r *SubscriberRepo) getBy(ctx context.Context, column, value string) (*domain.Subscriber, error) {
	s := &domain.Subscriber{}
	err := r.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE `+column+` = $1`, value,
	).Scan(
		&s.ID, &s.Email, &s.Name, &s.Status, &s.VerifiedEmail,
		&s.SecretCode, &s.Ucode, &s.LegacyAdminLink,
		&s.SubscriptionSource, &s.BouncedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	return s, nil
}

func (r *SubscriberRepo) Update(ctx context.Context, s *domain.Subscriber) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE subscribers
		SET name = $2, status = $3, verified_email = $4,
		    legacy_admin_link = $5, bounced_at = $6, updated_at = $7
		WHERE id = $1
	`, s.ID, s.Name, s.Status, s.VerifiedEmail, s.LegacyAdminLink, s.BouncedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update subscriber: %w", err)
	}
	return nil
}

func (r *SubscriberRepo) ListAll(ctx context.Context) ([]*domain.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()
	return scanSubscribers(rows)
}

func (r *SubscriberRepo) List(ctx context.Context, f subscriber.ListFilter) ([]*domain.Subscriber, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	idx := 1
	if f.Search != "" {
		where += fmt.Sprintf(" AND (email ILIKE $%d OR name ILIKE $%d)", idx, idx)
		args = append(args, "%"+f.Search+"%")
		idx++
	}
	if f.OnlyEligible {
		where += " AND status AND verified_email AND bounced_at IS NULL"
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM subscribers"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count subscribers: %w", err)
	}

	q := `SELECT ` + subscriberColumns + ` FROM subscribers` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	subs, err := scanSubscribers(rows)
	if err != nil {
		return nil, 0, err
	}
	return subs, total, nil
}

func (r *SubscriberRepo) MarkBounced(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subscribers SET bounced_at = $2, updated_at = $2 WHERE id = $1 AND bounced_at IS NULL`,
		id, at)
	if err != nil {
		return fmt.Errorf("mark subscriber bounced: %w", err)
	}
	return nil
}

func scanSubscribers(rows *sql.Rows) ([]*domain.Subscriber, error) {
	var out []*domain.Subscriber
	for rows.Next() {
		s := &domain.Subscriber{}
		if err := rows.Scan(
			&s.ID, &s.Email, &s.Name, &s.Status, &s.VerifiedEmail,
			&s.SecretCode, &s.Ucode, &s.LegacyAdminLink,
			&s.SubscriptionSource, &s.BouncedAt, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
