package domain

import "time"

// Subscriber represents a single mailing-list recipient together with the
// secrets that anchor their permanent management link and tracking codes.
//
// SecretCode is generated exactly once at creation and never regenerated
// while the row exists. The admin link is never stored; it is recomputed
// from SecretCode and Email on every request.
type Subscriber struct {
	ID                 string     `json:"id" db:"id"`
	Email              string     `json:"email" db:"email"`
	Name               string     `json:"name" db:"name"`
	Status             bool       `json:"status" db:"status"`
	VerifiedEmail      bool       `json:"verified_email" db:"verified_email"`
	SecretCode         string     `json:"-" db:"secret_code"`
	Ucode              string     `json:"ucode" db:"ucode"`
	LegacyAdminLink    *string    `json:"-" db:"legacy_admin_link"`
	SubscriptionSource string     `json:"subscription_source" db:"subscription_source"`
	BouncedAt          *time.Time `json:"bounced_at" db:"bounced_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// Eligible reports whether the subscriber should receive newsletter sends:
// subscribed, email verified, and never hard-bounced.
func (s *Subscriber) Eligible() bool {
	return s.Status && s.VerifiedEmail && s.BouncedAt == nil
}
