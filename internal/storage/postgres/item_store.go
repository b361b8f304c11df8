package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/shelfwatch/fetch-engine/internal/operation"
)

// ItemStore implements store.ItemStore on Postgres. Writes go through
// pgx batches so a thousand-item chunk does not pay a round trip per
// row.
type ItemStore struct {
	pool pgxPool
}

// NewItemStore constructs a store over an existing pool.
func NewItemStore(pool pgxPool) (*ItemStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ItemStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *ItemStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const upsertItemSQL = `
	INSERT INTO items (target_id, id, title, url, updated_at, content, content_hash, blob_uri, fetched_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (target_id, id) DO UPDATE SET
		title = EXCLUDED.title,
		url = EXCLUDED.url,
		updated_at = EXCLUDED.updated_at,
		content = EXCLUDED.content,
		content_hash = EXCLUDED.content_hash,
		blob_uri = EXCLUDED.blob_uri,
		fetched_at = EXCLUDED.fetched_at;
`

const upsertStubSQL = `
	INSERT INTO items (target_id, id, title, url, updated_at)
	VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (target_id, id) DO UPDATE SET
		title = EXCLUDED.title,
		url = EXCLUDED.url,
		updated_at = EXCLUDED.updated_at
	WHERE items.fetched_at IS NULL;
`

// ExistingIDs returns the subset of ids stored with fetched content, in
// the order given.
func (s *ItemStore) ExistingIDs(ctx context.Context, targetID string, ids []string) ([]string, error) {
	query := `SELECT id FROM items WHERE target_id = $1 AND id = ANY($2) AND fetched_at IS NOT NULL;`
	return s.selectIDs(ctx, "existing ids", query, targetID, ids)
}

// IndexedIDs returns the subset of ids present at all, in the order
// given.
func (s *ItemStore) IndexedIDs(ctx context.Context, targetID string, ids []string) ([]string, error) {
	query := `SELECT id FROM items WHERE target_id = $1 AND id = ANY($2);`
	return s.selectIDs(ctx, "indexed ids", query, targetID, ids)
}

func (s *ItemStore) selectIDs(ctx context.Context, opName, query, targetID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, query, targetID, ids)
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

	// Re-walk the input to keep its order.
	var out []string
	for _, id := range ids {
		if _, ok := present[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// UpsertBatch idempotently saves fetched items. The saved count is
// per-statement, so a mid-batch failure still reports every row that
// made it in.
func (s *ItemStore) UpsertBatch(ctx context.Context, targetID string, items []operation.Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(upsertItemSQL,
			targetID,
			item.ID,
			item.Title,
			item.URL,
			nullTime(item.UpdatedAt),
			item.Content,
			item.ContentHash,
			item.BlobURI,
			nullTime(item.FetchedAt),
		)
	}

	res := s.pool.SendBatch(ctx, batch)
	saved := 0
	for range items {
		if _, err := res.Exec(); err != nil {
			res.Close() //nolint:errcheck // the statement error wins
			return saved, mapError("upsert items", err)
		}
		saved++
	}
	if err := res.Close(); err != nil {
		return saved, mapError("upsert items", err)
	}
	return saved, nil
}

// UpsertIndex records index stubs without touching fetched content.
// Returned count is the number of rows actually written: conflicts on
// fetched rows affect nothing and are not counted.
func (s *ItemStore) UpsertIndex(ctx context.Context, targetID string, items []operation.Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, stub := range items {
		batch.Queue(upsertStubSQL,
			targetID,
			stub.ID,
			stub.Title,
			stub.URL,
			nullTime(stub.UpdatedAt),
		)
	}

	res := s.pool.SendBatch(ctx, batch)
	written := 0
	for range items {
		tag, err := res.Exec()
		if err != nil {
			res.Close() //nolint:errcheck // the statement error wins
			return written, mapError("upsert index", err)
		}
		written += int(tag.RowsAffected())
	}
	if err := res.Close(); err != nil {
		return written, mapError("upsert index", err)
	}
	return written, nil
}

// Count returns the number of items stored with content.
func (s *ItemStore) Count(ctx context.Context, targetID string) (int, error) {
	query := `SELECT COUNT(*) FROM items WHERE target_id = $1 AND fetched_at IS NOT NULL;`
	return s.count(ctx, "count items", query, targetID)
}

// CountIndexed returns the number of rows present, stubs included.
func (s *ItemStore) CountIndexed(ctx context.Context, targetID string) (int, error) {
	query := `SELECT COUNT(*) FROM items WHERE target_id = $1;`
	return s.count(ctx, "count indexed", query, targetID)
}

func (s *ItemStore) count(ctx context.Context, opName, query, targetID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, query, targetID).Scan(&n); err != nil {
		return 0, mapError(opName, err)
	}
	return n, nil
}
