package subscriber

import (
	"context"
	"errors"
	"time"

	"github.com/COSCUP/newsletter/internal/domain"
)

var (
	// ErrEmailExists is returned by Create when the email column's unique
	// constraint is violated.
	ErrEmailExists = errors.New("subscriber email already exists")
	// ErrUcodeExists is returned by Create on a ucode collision; the
	// service retries with fresh randomness.
	ErrUcodeExists = errors.New("subscriber ucode already exists")
)

// ListFilter narrows and pages the admin subscriber listing.
type ListFilter struct {
	// Search matches email or name, case-insensitive substring.
	Search string
	// OnlyEligible restricts to subscribed, verified, non-bounced rows.
	OnlyEligible bool
	Limit        int
	Offset       int
}

// Repository defines the data access contract for subscribers.
type Repository interface {
	Create(ctx context.Context, s *domain.Subscriber) error
	// GetByID, GetByEmail, GetByUcode return nil when no row matches.
	GetByID(ctx context.Context, id string) (*domain.Subscriber, error)
	GetByEmail(ctx context.Context, email string) (*domain.Subscriber, error)
	GetByUcode(ctx context.Context, ucode string) (*domain.Subscriber, error)
	Update(ctx context.Context, s *domain.Subscriber) error
	// ListAll returns every subscriber. Used by the admin-link scan and
	// CSV export.
	ListAll(ctx context.Context) ([]*domain.Subscriber, error)
	// List returns a filtered page plus the total matching count.
	List(ctx context.Context, f ListFilter) ([]*domain.Subscriber, int, error)
	MarkBounced(ctx context.Context, id string, at time.Time) error
}
