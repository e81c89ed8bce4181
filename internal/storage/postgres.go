package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store interface for PostgreSQL
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Migrate creates the schema if it does not exist. The event log is
// keyed by (timestamp, seq) and carries a day column so bucket queries
// ("today", "yesterday") hit an index instead of scanning history.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
            id TEXT PRIMARY KEY,
            created_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL,
            name TEXT NOT NULL,
            location TEXT NOT NULL DEFAULT '',
            is_disabled BOOLEAN NOT NULL DEFAULT FALSE,
            last_seen_at TIMESTAMPTZ,
            battery_level DOUBLE PRECISION,
            battery_level_updated_at TIMESTAMPTZ,
            token_hash TEXT NOT NULL DEFAULT ''
        )`,
		`CREATE TABLE IF NOT EXISTS event_logs (
            seq BIGSERIAL PRIMARY KEY,
            id UUID NOT NULL UNIQUE,
            device_id TEXT NOT NULL REFERENCES devices(id),
            category TEXT NOT NULL,
            severity TEXT NOT NULL,
            timestamp TIMESTAMPTZ NOT NULL,
            day DATE NOT NULL,
            description TEXT NOT NULL DEFAULT '',
            payload JSONB
        )`,
		`CREATE INDEX IF NOT EXISTS idx_event_logs_day_device
            ON event_logs (day, device_id, timestamp, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_event_logs_device_ts
            ON event_logs (device_id, timestamp, seq)`,
		`CREATE TABLE IF NOT EXISTS alerts (
            id UUID PRIMARY KEY,
            device_id TEXT NOT NULL,
            rule TEXT NOT NULL,
            message TEXT NOT NULL,
            fired_at TIMESTAMPTZ NOT NULL,
            details JSONB
        )`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_fired_at ON alerts (fired_at DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *PostgresStore) BeginTx(ctx context.Context) (Store, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return &PostgresStore{db: s.db, tx: tx}, nil
}

// Commit commits the transaction
func (s *PostgresStore) Commit() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Commit()
}

// Rollback rolls back the transaction
func (s *PostgresStore) Rollback() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Rollback()
}

// getDB returns tx if in transaction, otherwise db
func (s *PostgresStore) getDB() interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
} {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}
