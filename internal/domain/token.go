package domain

import "time"

// TokenType distinguishes the two kinds of single-use capability tokens.
type TokenType string

const (
	// TokenEmailVerify confirms ownership of a subscriber email address.
	TokenEmailVerify TokenType = "email_verify"
	// TokenMagicLink grants administrator login. Deliberately short-lived.
	TokenMagicLink TokenType = "magic_link"
)

// VerificationToken is a single-use, time-limited capability. Exactly one of
// SubscriberID or AdminEmail is set, depending on Type. A token with UsedAt
// set or ExpiresAt in the past is rejected regardless of string match.
type VerificationToken struct {
	ID           string     `json:"id" db:"id"`
	SubscriberID *string    `json:"subscriber_id" db:"subscriber_id"`
	AdminEmail   *string    `json:"admin_email" db:"admin_email"`
	Token        string     `json:"-" db:"token"`
	Type         TokenType  `json:"token_type" db:"token_type"`
	ExpiresAt    time.Time  `json:"expires_at" db:"expires_at"`
	UsedAt       *time.Time `json:"used_at" db:"used_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// AdminSession is an authenticated administrator session, created only after
// a valid magic-link token was redeemed.
type AdminSession struct {
	ID           string    `json:"id" db:"id"`
	AdminEmail   string    `json:"admin_email" db:"admin_email"`
	SessionToken string    `json:"-" db:"session_token"`
	ExpiresAt    time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
