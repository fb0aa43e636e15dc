package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/COSCUP/newsletter/internal/domain"
)

// AuditRepo implements audit.Repository against PostgreSQL.
type AuditRepo struct{ db *sql.DB }

// NewAuditRepo creates a Postgres-backed audit log repository.
func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

func (r *AuditRepo) Insert(ctx context.Context, l *domain.AuditLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, admin_email, action, details, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, l.ID, l.AdminEmail, l.Action, l.Details, l.IPAddress, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
