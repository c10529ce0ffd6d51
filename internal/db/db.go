// Package db archives delivered traffic frames and flight plans to
// PostgreSQL. The archive is write-only: nothing in it is read back into
// the running server.
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/unklstewy/livetraffic/pkg/config"
)

//go:embed schema.sql
var schemaSQL string

// DB wraps a database connection with helper methods.
type DB struct {
	*sql.DB
	config config.DatabaseConfig
}

// DSN builds a lib/pq connection string, quoting values as needed.
func DSN(cfg config.DatabaseConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	kv := []struct{ k, v string }{
		{"host", cfg.Host},
		{"port", strconv.Itoa(cfg.Port)},
		{"user", cfg.Username},
		{"password", cfg.Password},
		{"dbname", cfg.Database},
		{"sslmode", sslMode},
	}
	var parts []string
	for _, p := range kv {
		if p.v == "" || (p.k == "port" && cfg.Port == 0) {
			continue
		}
		parts = append(parts, p.k+"="+quote(p.v))
	}
	return strings.Join(parts, " ")
}

func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}

// Connect establishes a connection to the PostgreSQL database.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	sqlDB, err := sql.Open(driver, DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: sqlDB, config: cfg}, nil
}

// InitSchema creates the archive tables if they do not exist.
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// CleanupOldData removes archived rows recorded before cutoff and reports
// how many were deleted.
func (db *DB) CleanupOldData(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"traffic_history", "flight_plan_history"} {
		res, err := db.ExecContext(ctx, `DELETE FROM `+table+` WHERE recorded_at < $1`, cutoff.UTC())
		if err != nil {
			return total, fmt.Errorf("failed to delete old %s rows: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// GetStats returns row counts of the archive tables.
func (db *DB) GetStats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, table := range []string{"traffic_history", "flight_plan_history"} {
		var n int64
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, err
		}
		stats[table] = n
	}
	return stats, nil
}
