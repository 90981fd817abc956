// Package store persists email job, batch, and dead-letter state in a
// PostgreSQL-backed key-value table with TTL expiry. Keys follow the service
// wire contract (email:job:{id}, email:batch:{id}, email:batch:{id}:jobs,
// email:session:{id}:batches, email:user:{id}:active, email:dlq); values are
// jsonb documents. Expired keys are invisible to reads and removed by the
// maintenance purge.
//
// Status transitions use jsonb conditional updates guarded by the legal
// source statuses from the jobstate package, so each transition is atomic
// even when a manual cancel races a queue-invoked delivery.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx. The
// store accepts this so the same code works inside or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool creates a pgx connection pool from a connection string with the
// given tuning parameters applied.
func NewPool(ctx context.Context, url string, maxConns, minConns int, maxLifetime time.Duration) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("store: failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	if minConns > 0 {
		cfg.MinConns = int32(minConns)
	}
	if maxLifetime > 0 {
		cfg.MaxConnLifetime = maxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: failed to create connection pool: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the email_kv table and its supporting indexes if they
// do not already exist. Called once at startup.
func EnsureSchema(ctx context.Context, db DBTX) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS email_kv (
			key        text PRIMARY KEY,
			value      jsonb NOT NULL,
			expires_at timestamptz NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_email_kv_expires ON email_kv (expires_at)`,
		// Serves the orphaned-job reconciliation scan.
		`CREATE INDEX IF NOT EXISTS idx_email_kv_job_status
			ON email_kv ((value->>'status'))
			WHERE key LIKE 'email:job:%'`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: failed to ensure schema: %w", err)
		}
	}
	return nil
}
