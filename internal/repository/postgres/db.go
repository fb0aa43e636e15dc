// Package postgres implements the service repository interfaces against
// PostgreSQL using database/sql with the lib/pq driver.
package postgres

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Open connects to Postgres and verifies the connection.
func Open(url string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// uniqueViolation reports whether err is a violation of the named unique
// constraint. An empty name matches any unique violation.
func uniqueViolation(err error, constraint string) bool {
	pqErr, ok := err.(*pq.Error)
	if !ok || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
