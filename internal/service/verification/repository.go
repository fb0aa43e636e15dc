package verification

import (
	"context"
	"errors"
	"time"

	"github.com/COSCUP/newsletter/internal/domain"
)

// ErrTokenExists is returned by Create on a token-string collision; the
// service retries with a fresh random token.
var ErrTokenExists = errors.New("token string already exists")

// Repository defines the data access contract for verification tokens.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Create inserts a new token. Returns ErrTokenExists if the random
	// token string collides with an existing row.
	Create(ctx context.Context, t *domain.VerificationToken) error

	// GetByToken returns the token row matching the exact string, or nil
	// if there is none. Lookup by indexed equality is acceptable here:
	// the token itself is the secret.
	GetByToken(ctx context.Context, tokenStr string) (*domain.VerificationToken, error)

	// Consume marks the token used at usedAt. It must be atomic: exactly
	// one caller observes ok=true for a given token; any later caller
	// gets ok=false.
	Consume(ctx context.Context, id string, usedAt time.Time) (ok bool, err error)
}
