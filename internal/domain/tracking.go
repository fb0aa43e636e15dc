package domain

import "time"

// EventType enumerates the kinds of email engagement events.
type EventType string

const (
	EventOpen  EventType = "open"
	EventClick EventType = "click"
)

// EmailEvent is one append-only tracking hit. Rows are never updated or
// deleted.
type EmailEvent struct {
	ID         string    `json:"id" db:"id"`
	Ucode      string    `json:"ucode" db:"ucode"`
	EventType  EventType `json:"event_type" db:"event_type"`
	Topic      string    `json:"topic" db:"topic"`
	UserAgent  string    `json:"user_agent" db:"user_agent"`
	IPAddress  string    `json:"ip_address" db:"ip_address"`
	ClickedURL *string   `json:"clicked_url" db:"clicked_url"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// RateLimitScope names the dimension a rate-limit log row counts against.
type RateLimitScope string

const (
	ScopeSubscribe  RateLimitScope = "subscribe"
	ScopeAdminLogin RateLimitScope = "admin_login"
)
