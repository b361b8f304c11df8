package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shelfwatch/fetch-engine/internal/operation"
)

func fetchedItem(id string) operation.Item {
	return operation.Item{
		ID:          id,
		Title:       "Item " + id,
		URL:         "https://example.com/items/" + id,
		Content:     "<html>" + id + "</html>",
		ContentHash: "hash-" + id,
		FetchedAt:   time.Now().UTC(),
	}
}

func stubItem(id string) operation.Item {
	return operation.Item{
		ID:    id,
		Title: "Item " + id,
		URL:   "https://example.com/items/" + id,
	}
}

func TestItemStoreUpsertBatchIdempotent(t *testing.T) {
	t.Parallel()

	s := NewItemStore()
	items := []operation.Item{fetchedItem("a"), fetchedItem("b")}

	n, err := s.UpsertBatch(context.Background(), "tgt-1", items)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Replaying the same batch changes nothing.
	n, err = s.UpsertBatch(context.Background(), "tgt-1", items)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	count, err := s.Count(context.Background(), "tgt-1")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestItemStoreExistingIDsPreservesOrder(t *testing.T) {
	t.Parallel()

	s := NewItemStore()
	_, err := s.UpsertBatch(context.Background(), "tgt-1", []operation.Item{fetchedItem("b"), fetchedItem("d")})
	require.NoError(t, err)

	got, err := s.ExistingIDs(context.Background(), "tgt-1", []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "d"}, got)
}

func TestItemStoreStubsAreIndexedNotExisting(t *testing.T) {
	t.Parallel()

	s := NewItemStore()
	_, err := s.UpsertIndex(context.Background(), "tgt-1", []operation.Item{stubItem("a")})
	require.NoError(t, err)
	_, err = s.UpsertBatch(context.Background(), "tgt-1", []operation.Item{fetchedItem("b")})
	require.NoError(t, err)

	existing, err := s.ExistingIDs(context.Background(), "tgt-1", []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, existing)

	indexed, err := s.IndexedIDs(context.Background(), "tgt-1", []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, indexed)

	count, err := s.Count(context.Background(), "tgt-1")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	total, err := s.CountIndexed(context.Background(), "tgt-1")
	require.NoError(t, err)
	require.Equal(t, 2, total)
}

func TestItemStoreUpsertIndexKeepsFetchedContent(t *testing.T) {
	t.Parallel()

	s := NewItemStore()
	_, err := s.UpsertBatch(context.Background(), "tgt-1", []operation.Item{fetchedItem("a")})
	require.NoError(t, err)

	n, err := s.UpsertIndex(context.Background(), "tgt-1", []operation.Item{stubItem("a"), stubItem("b")})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	existing, err := s.ExistingIDs(context.Background(), "tgt-1", []string{"a"})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, existing)
}

func TestItemStoreUpsertBatchReplacesStub(t *testing.T) {
	t.Parallel()

	s := NewItemStore()
	_, err := s.UpsertIndex(context.Background(), "tgt-1", []operation.Item{stubItem("a")})
	require.NoError(t, err)

	_, err = s.UpsertBatch(context.Background(), "tgt-1", []operation.Item{fetchedItem("a")})
	require.NoError(t, err)

	existing, err := s.ExistingIDs(context.Background(), "tgt-1", []string{"a"})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, existing)
}

func TestItemStoreTargetsAreIsolated(t *testing.T) {
	t.Parallel()

	s := NewItemStore()
	_, err := s.UpsertBatch(context.Background(), "tgt-1", []operation.Item{fetchedItem("a")})
	require.NoError(t, err)

	got, err := s.ExistingIDs(context.Background(), "tgt-2", []string{"a"})
	require.NoError(t, err)
	require.Empty(t, got)
}
