// Package audit records administrator actions. Logging is best-effort: a
// failed audit insert is reported but never blocks the action itself.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/COSCUP/newsletter/internal/domain"
	"github.com/COSCUP/newsletter/internal/pkg/logger"
)

// Repository appends audit rows.
type Repository interface {
	Insert(ctx context.Context, l *domain.AuditLog) error
}

// Logger writes administrator audit entries.
type Logger struct {
	repo Repository
	now  func() time.Time
}

func New(repo Repository) *Logger {
	return &Logger{repo: repo, now: time.Now}
}

// Log records an admin action. Errors are swallowed after a warning.
func (a *Logger) Log(ctx context.Context, adminEmail, action, details, ip string) {
	entry := &domain.AuditLog{
		ID:         uuid.New().String(),
		AdminEmail: adminEmail,
		Action:     action,
		Details:    details,
		IPAddress:  ip,
		CreatedAt:  a.now(),
	}
	if err := a.repo.Insert(ctx, entry); err != nil {
		logger.Warn("audit log insert failed", "action", action, "error", err)
	}
}
