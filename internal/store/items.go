package store

import (
	"context"

	"github.com/shelfwatch/fetch-engine/internal/operation"
)

// ItemStore is the durable item repository consumed by the diff
// resolver and the executor. Upserts must be idempotent: repeating a
// write with the same item changes nothing beyond the first application.
type ItemStore interface {
	// ExistingIDs returns the subset of ids whose items are stored with
	// fetched content, in the order given.
	ExistingIDs(ctx context.Context, targetID string, ids []string) ([]string, error)
	// IndexedIDs returns the subset of ids present at all, stub or
	// fetched, in the order given.
	IndexedIDs(ctx context.Context, targetID string, ids []string) ([]string, error)
	// UpsertBatch idempotently saves fetched items. It returns how many
	// were saved; on partial failure the count reflects what made it in
	// before the error.
	UpsertBatch(ctx context.Context, targetID string, items []operation.Item) (int, error)
	// UpsertIndex idempotently records index stubs without touching
	// already-fetched content. It returns how many rows were written.
	UpsertIndex(ctx context.Context, targetID string, items []operation.Item) (int, error)
	// Count returns the number of items stored with content for the
	// target.
	Count(ctx context.Context, targetID string) (int, error)
	// CountIndexed returns the number of rows present for the target,
	// stubs included.
	CountIndexed(ctx context.Context, targetID string) (int, error)
}
