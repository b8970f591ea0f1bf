package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of *pgxpool.Pool the client uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Close()
}

type Client struct {
	pool DB
}

// New connects to Postgres. maxConns <= 0 keeps the pgxpool default.
func New(ctx context.Context, url string, maxConns int) (*Client, error) {
	// Parse connection string into pgxpool.Config to allow tweaking settings.
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &Client{pool: pool}, nil
}

// NewWithDB wraps an existing pool.
func NewWithDB(db DB) *Client {
	return &Client{pool: db}
}

func (c *Client) Close() {
	c.pool.Close()
}

// InitSchema creates the export tables. Safe to run repeatedly.
func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS export_jobs (
        id UUID PRIMARY KEY,
        user_id TEXT NOT NULL,
        entity TEXT NOT NULL CHECK (entity IN ('contacts', 'companies')),
        mode TEXT NOT NULL CHECK (mode IN ('selected', 'filtered')),
        format TEXT NOT NULL CHECK (format IN ('csv', 'xlsx')),
        headers TEXT[] NOT NULL,
        ids TEXT[],
        query JSONB,
        list_name TEXT,
        status TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued', 'processing', 'completed', 'failed')),
        row_count INTEGER,
        file_name TEXT,
        file_path TEXT,
        file_size_bytes BIGINT,
        error_message TEXT,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        started_at TIMESTAMPTZ,
        finished_at TIMESTAMPTZ,
        delivered_at TIMESTAMPTZ,
        download_token TEXT UNIQUE,
        download_token_expires_at TIMESTAMPTZ,
        CONSTRAINT export_jobs_file_iff_completed CHECK ((status = 'completed') = (file_path IS NOT NULL AND file_name IS NOT NULL)),
        CONSTRAINT export_jobs_error_iff_failed CHECK ((status = 'failed') = (error_message IS NOT NULL))
    );
    CREATE INDEX IF NOT EXISTS idx_export_jobs_user_created ON export_jobs (user_id, created_at DESC);
    CREATE INDEX IF NOT EXISTS idx_export_jobs_status ON export_jobs (status);

    -- Outbox table for transactional outbox pattern
    CREATE TABLE IF NOT EXISTS export_outbox (
        id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
        job_id UUID NOT NULL REFERENCES export_jobs(id) ON DELETE CASCADE,
        exchange TEXT NOT NULL,
        routing_key TEXT NOT NULL,
        payload TEXT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    `
	_, err := c.pool.Exec(ctx, schema)
	return err
}

// QueryRows runs a statement from the query builder inside a read-only transaction and
// returns each row keyed by column alias.
func (c *Client) QueryRows(ctx context.Context, sql string, args []any) ([]map[string]any, error) {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query entity rows: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("collect entity rows: %w", err)
	}
	return out, nil
}
