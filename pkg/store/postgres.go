package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore writes call records to a Postgres table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

const createCallRecordsSQL = `
CREATE TABLE IF NOT EXISTS call_records (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL,
	call_id     TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL,
	exchanges   JSONB NOT NULL,
	outcome     TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewPostgresStore connects to dsn and ensures the call_records table
// exists.
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, createCallRecordsSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure call_records table: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// SaveCallRecord inserts one finalized record.
func (p *PostgresStore) SaveCallRecord(ctx context.Context, rec CallRecord) error {
	exchanges, err := json.Marshal(rec.Exchanges)
	if err != nil {
		return fmt.Errorf("failed to encode exchanges: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err = p.pool.Exec(ctx,
		`INSERT INTO call_records (session_id, call_id, started_at, duration_ms, exchanges, outcome)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.SessionID, rec.CallID, rec.StartedAt, rec.Duration.Milliseconds(), exchanges, rec.Outcome,
	)
	if err != nil {
		return fmt.Errorf("failed to insert call record: %w", err)
	}
	p.logger.Debug("call record saved",
		slog.String("session_id", rec.SessionID),
		slog.String("outcome", rec.Outcome))
	return nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}
