// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shelfwatch/fetch-engine/internal/store"
)

// Config controls the Postgres connection pool shared by the stores.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pgxPool is the slice of pgxpool.Pool the stores use. Tests substitute
// a pgxmock pool.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Close()
}

// Connect opens a pgx pool from cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	target_id     TEXT NOT NULL,
	target_name   TEXT NOT NULL DEFAULT '',
	target_url    TEXT NOT NULL,
	status        TEXT NOT NULL,
	current       INTEGER NOT NULL DEFAULT 0,
	total         INTEGER NOT NULL DEFAULT 0,
	current_chunk INTEGER NOT NULL DEFAULT 0,
	total_chunks  INTEGER NOT NULL DEFAULT 0,
	work_items    TEXT[] NOT NULL DEFAULT '{}',
	failed_ids    TEXT[] NOT NULL DEFAULT '{}',
	max_items     INTEGER NOT NULL DEFAULT 0,
	message       TEXT NOT NULL DEFAULT '',
	meta          JSONB NOT NULL DEFAULT '{}',
	started_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS operations_status_idx ON operations (status, updated_at);

CREATE TABLE IF NOT EXISTS items (
	target_id    TEXT NOT NULL,
	id           TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMPTZ,
	content      TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	blob_uri     TEXT NOT NULL DEFAULT '',
	fetched_at   TIMESTAMPTZ,
	PRIMARY KEY (target_id, id)
);
`

// InitSchema creates the tables if they do not exist yet.
func InitSchema(ctx context.Context, pool pgxPool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return mapError("init schema", err)
	}
	return nil
}

// mapError folds driver failures into the store taxonomy so the
// fallback chain can tell "backend gone" from "backend said no".
func mapError(opName string, err error) error {
	if err == nil {
		return nil
	}
	var connErr *pgconn.ConnectError
	var netErr *net.OpError
	switch {
	case errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err):
		return &store.TimeoutError{Op: opName, Err: err}
	case errors.As(err, &connErr), errors.As(err, &netErr):
		return fmt.Errorf("%s: %w: %v", opName, store.ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", opName, err)
	}
}

// nullTime converts a zero time to SQL NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
