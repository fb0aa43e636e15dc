package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/COSCUP/newsletter/internal/domain"
)

// EventRepo implements tracking.EventRepository against PostgreSQL.
type EventRepo struct{ db *sql.DB }

// NewEventRepo creates a Postgres-backed email event repository.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

func (r *EventRepo) Insert(ctx context.Context, e *domain.EmailEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_events
			(id, ucode, event_type, topic, user_agent, ip_address, clicked_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.Ucode, e.EventType, e.Topic, e.UserAgent, e.IPAddress, e.ClickedURL, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert email event: %w", err)
	}
	return nil
}

// TopicStats aggregates engagement for one topic (newsletter slug).
type TopicStats struct {
	Topic        string `json:"topic"`
	UniqueOpens  int    `json:"unique_opens"`
	TotalOpens   int    `json:"total_opens"`
	UniqueClicks int    `json:"unique_clicks"`
	TotalClicks  int    `json:"total_clicks"`
}

// StatsByTopic aggregates open and click counts per topic for the admin
// stats page.
func (r *EventRepo) StatsByTopic(ctx context.Context, topic string) (*TopicStats, error) {
	s := &TopicStats{Topic: topic}
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(DISTINCT ucode) FILTER (WHERE event_type = 'open'),
			COUNT(*)              FILTER (WHERE event_type = 'open'),
			COUNT(DISTINCT ucode) FILTER (WHERE event_type = 'click'),
			COUNT(*)              FILTER (WHERE event_type = 'click')
		FROM email_events
		WHERE topic = $1
	`, topic).Scan(&s.UniqueOpens, &s.TotalOpens, &s.UniqueClicks, &s.TotalClicks)
	if err != nil {
		return nil, fmt.Errorf("topic stats: %w", err)
	}
	return s, nil
}
