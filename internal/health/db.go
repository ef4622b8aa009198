// Package health provides readiness checks for the server's external dependencies.
package health

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by checkers that were built without a target.
var ErrNotConfigured = errors.New("dependency not configured")

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DBChecker reports whether the booking database answers a ping.
type DBChecker struct {
	db Pinger
}

// NewDBChecker creates a new database health checker.
func NewDBChecker(db Pinger) *DBChecker {
	return &DBChecker{db: db}
}

// HealthCheck pings the database.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if d.db == nil {
		return ErrNotConfigured
	}
	return d.db.PingContext(ctx)
}
