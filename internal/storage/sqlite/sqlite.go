// Package sqlite provides a file-backed fallback store. It runs the
// pure-Go sqlite driver in embedded mode with WAL so the engine keeps
// accepting checkpoints while Postgres is unreachable.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/shelfwatch/fetch-engine/internal/store"
)

// DB wraps the sqlite connection shared by the stores.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the database file at path. The caller must
// Close it.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	return db, nil
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: wal checkpoint failed: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the tables if they do not exist. Safe to call
// repeatedly.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
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
		work_items    TEXT NOT NULL DEFAULT '[]',
		failed_ids    TEXT NOT NULL DEFAULT '[]',
		max_items     INTEGER NOT NULL DEFAULT 0,
		message       TEXT NOT NULL DEFAULT '',
		meta          TEXT NOT NULL DEFAULT '{}',
		started_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status, updated_at);

	CREATE TABLE IF NOT EXISTS items (
		target_id    TEXT NOT NULL,
		id           TEXT NOT NULL,
		title        TEXT NOT NULL DEFAULT '',
		url          TEXT NOT NULL DEFAULT '',
		updated_at   TEXT,
		content      TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL DEFAULT '',
		blob_uri     TEXT NOT NULL DEFAULT '',
		fetched_at   TEXT,
		PRIMARY KEY (target_id, id)
	);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

// mapError folds database/sql failures into the store taxonomy.
func mapError(opName string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &store.TimeoutError{Op: opName, Err: err}
	}
	return fmt.Errorf("%s: %w", opName, err)
}

// Times are stored as UTC RFC3339 text. Second precision keeps the
// strings fixed-width so lexicographic order matches time order.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullTimeString(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
