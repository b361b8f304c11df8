package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/shelfwatch/fetch-engine/internal/operation"
)

// ItemStore implements store.ItemStore on sqlite. Rows autocommit one
// by one so a mid-batch failure keeps everything written before it,
// matching the partial-success accounting the executor relies on.
type ItemStore struct {
	db *DB
}

// NewItemStore constructs a store over an open database.
func NewItemStore(db *DB) (*ItemStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &ItemStore{db: db}, nil
}

const upsertItemSQL = `
INSERT INTO items (target_id, id, title, url, updated_at, content, content_hash, blob_uri, fetched_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(target_id, id) DO UPDATE SET
	title = excluded.title,
	url = excluded.url,
	updated_at = excluded.updated_at,
	content = excluded.content,
	content_hash = excluded.content_hash,
	blob_uri = excluded.blob_uri,
	fetched_at = excluded.fetched_at
`

const upsertStubSQL = `
INSERT INTO items (target_id, id, title, url, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(target_id, id) DO UPDATE SET
	title = excluded.title,
	url = excluded.url,
	updated_at = excluded.updated_at
WHERE items.fetched_at IS NULL
`

// ExistingIDs returns the subset of ids stored with fetched content, in
// the order given.
func (s *ItemStore) ExistingIDs(ctx context.Context, targetID string, ids []string) ([]string, error) {
	query := `SELECT id FROM items WHERE target_id = ? AND id IN (%s) AND fetched_at IS NOT NULL`
	return s.selectIDs(ctx, "existing ids", query, targetID, ids)
}

// IndexedIDs returns the subset of ids present at all, in the order
// given.
func (s *ItemStore) IndexedIDs(ctx context.Context, targetID string, ids []string) ([]string, error) {
	query := `SELECT id FROM items WHERE target_id = ? AND id IN (%s)`
	return s.selectIDs(ctx, "indexed ids", query, targetID, ids)
}

func (s *ItemStore) selectIDs(ctx context.Context, opName, query, targetID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, targetID)
	for _, id := range ids {
		args = append(args, id)
	}
	query = fmt.Sprintf(query, placeholders(len(ids)))

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(opName, err)
	}
	defer rows.Close()

	present := make(map[string]struct{}, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: scan row: %w", opName, err)
		}
		present[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(opName, err)
	}

	var out []string
	for _, id := range ids {
		if _, ok := present[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// UpsertBatch idempotently saves fetched items, reporting how many rows
// made it in before any failure.
func (s *ItemStore) UpsertBatch(ctx context.Context, targetID string, items []operation.Item) (int, error) {
	saved := 0
	for _, item := range items {
		_, err := s.db.conn.ExecContext(ctx, upsertItemSQL,
			targetID,
			item.ID,
			item.Title,
			item.URL,
			nullTimeString(item.UpdatedAt),
			item.Content,
			item.ContentHash,
			item.BlobURI,
			nullTimeString(item.FetchedAt),
		)
		if err != nil {
			return saved, mapError("upsert items", err)
		}
		saved++
	}
	return saved, nil
}

// UpsertIndex records index stubs without touching fetched content.
func (s *ItemStore) UpsertIndex(ctx context.Context, targetID string, items []operation.Item) (int, error) {
	written := 0
	for _, stub := range items {
		res, err := s.db.conn.ExecContext(ctx, upsertStubSQL,
			targetID,
			stub.ID,
			stub.Title,
			stub.URL,
			nullTimeString(stub.UpdatedAt),
		)
		if err != nil {
			return written, mapError("upsert index", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return written, fmt.Errorf("upsert index: rows affected: %w", err)
		}
		written += int(n)
	}
	return written, nil
}

// Count returns the number of items stored with content.
func (s *ItemStore) Count(ctx context.Context, targetID string) (int, error) {
	query := `SELECT COUNT(*) FROM items WHERE target_id = ? AND fetched_at IS NOT NULL`
	return s.count(ctx, "count items", query, targetID)
}

// CountIndexed returns the number of rows present, stubs included.
func (s *ItemStore) CountIndexed(ctx context.Context, targetID string) (int, error) {
	query := `SELECT COUNT(*) FROM items WHERE target_id = ?`
	return s.count(ctx, "count indexed", query, targetID)
}

func (s *ItemStore) count(ctx context.Context, opName, query, targetID string) (int, error) {
	var n int
	if err := s.db.conn.QueryRowContext(ctx, query, targetID).Scan(&n); err != nil {
		return 0, mapError(opName, err)
	}
	return n, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
