// Package email defines the outbound email collaborator and its production
// implementations (SMTP relay, AWS SES). The delivery orchestrator depends
// only on the Sender interface; tests substitute their own fakes.
package email

import (
	"context"
	"fmt"
)

// Header is one additional SMTP header, e.g. List-Unsubscribe.
type Header struct {
	Name  string
	Value string
}

// Sender delivers a single HTML email. Implementations must be safe for
// concurrent use; the orchestrator fans out across a worker pool.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string, headers []Header) error
}

// SendError is the failure returned by Sender implementations. Code carries
// the SMTP reply code when one is known, zero otherwise.
type SendError struct {
	Code int
	Err  error
}

func (e *SendError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("send failed (%d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsHardBounce reports whether the failure is a permanent 5xx rejection.
// Hard-bounced recipients are excluded from all future sends.
func (e *SendError) IsHardBounce() bool {
	return e.Code >= 500 && e.Code < 600
}
