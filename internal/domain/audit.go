package domain

import "time"

// AuditLog records one administrator action. Best-effort and append-only.
type AuditLog struct {
	ID         string    `json:"id" db:"id"`
	AdminEmail string    `json:"admin_email" db:"admin_email"`
	Action     string    `json:"action" db:"action"`
	Details    string    `json:"details" db:"details"`
	IPAddress  string    `json:"ip_address" db:"ip_address"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
