package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/unklstewy/livetraffic/pkg/config"
	"github.com/unklstewy/livetraffic/pkg/log"
)

// ReconnectWithRetry connects to the database with exponential backoff.
//
// Parameters:
//   - cfg: Database configuration
//   - maxRetries: Maximum number of connection attempts (0 = until ctx is done)
//   - initialDelay: Initial wait time between retries
//
// Returns: Connected database or error if all retries were exhausted
func ReconnectWithRetry(ctx context.Context, cfg config.DatabaseConfig, maxRetries int, initialDelay time.Duration,
	lg *log.Logger) (*DB, error) {
	delay := initialDelay
	for attempt := 1; ; attempt++ {
		lg.Debug("Database connection attempt", "attempt", attempt)

		db, err := Connect(ctx, cfg)
		if err == nil {
			lg.Info("Database connected", "host", cfg.Host, "database", cfg.Database)
			return db, nil
		}

		if maxRetries > 0 && attempt >= maxRetries {
			lg.Warn("Database connection failed, giving up", "attempts", attempt, "error", err)
			return nil, err
		}

		lg.Warn("Database connection failed", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		// Exponential backoff with cap at 60 seconds
		delay = min(2*delay, 60*time.Second)
	}
}

// EnsureConnection checks that the connection is alive and reconnects if
// needed, returning the connection to use from then on.
func EnsureConnection(ctx context.Context, db *DB, cfg config.DatabaseConfig, lg *log.Logger) (*DB, error) {
	if db == nil {
		return ReconnectWithRetry(ctx, cfg, 3, time.Second, lg)
	}
	if HealthCheck(ctx, db) {
		return db, nil
	}

	lg.Warn("Database connection lost, reconnecting")
	db.Close()
	return ReconnectWithRetry(ctx, cfg, 3, time.Second, lg)
}

// HealthCheck reports whether the database answers a trivial query.
func HealthCheck(ctx context.Context, db *DB) bool {
	if db == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return false
	}
	return result == 1
}

// WithRetry executes a database operation, retrying it on connection
// failures only.
func WithRetry(ctx context.Context, operation func() error, maxRetries int) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsConnectionError(err) {
			return err
		}
		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt+1) * time.Second):
			}
		}
	}
	return lastErr
}

// IsConnectionError reports whether err means the connection, rather
// than the statement, failed.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	// SQLSTATE class 08: connection exception
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08"
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "broken pipe", "no connection", "connection reset", "timeout"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
