package chain

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shelfwatch/fetch-engine/internal/operation"
	"github.com/shelfwatch/fetch-engine/internal/storage/memory"
	"github.com/shelfwatch/fetch-engine/internal/store"
)

func nowUTC() time.Time { return time.Now().UTC() }

// flakyOperationStore fronts a real memory store and fails every call
// with store.ErrUnavailable while down.
type flakyOperationStore struct {
	*memory.OperationStore
	down bool
}

func (f *flakyOperationStore) gate() error {
	if f.down {
		return fmt.Errorf("dial tcp: %w", store.ErrUnavailable)
	}
	return nil
}

func (f *flakyOperationStore) Create(ctx context.Context, op operation.Operation) error {
	if err := f.gate(); err != nil {
		return err
	}
	return f.OperationStore.Create(ctx, op)
}

func (f *flakyOperationStore) Get(ctx context.Context, id string) (operation.Operation, error) {
	if err := f.gate(); err != nil {
		return operation.Operation{}, err
	}
	return f.OperationStore.Get(ctx, id)
}

func (f *flakyOperationStore) UpdateProgress(
	ctx context.Context,
	id string,
	p operation.Progress,
	message string,
	failedIDs []string,
) error {
	if err := f.gate(); err != nil {
		return err
	}
	return f.OperationStore.UpdateProgress(ctx, id, p, message, failedIDs)
}

func (f *flakyOperationStore) ListActive(ctx context.Context) ([]operation.Operation, error) {
	if err := f.gate(); err != nil {
		return nil, err
	}
	return f.OperationStore.ListActive(ctx)
}

func runningOp(id, targetID string) operation.Operation {
	return operation.Operation{
		ID:       id,
		Kind:     operation.KindFetchItems,
		TargetID: targetID,
		Status:   operation.StatusRunning,
	}
}

func TestChainPrefersPrimary(t *testing.T) {
	t.Parallel()

	primary := &flakyOperationStore{OperationStore: memory.NewOperationStore()}
	fallback := memory.NewOperationStore()
	c := NewOperationStore(primary, fallback, nil)

	require.NoError(t, c.Create(context.Background(), runningOp("op-1", "tgt-1")))

	_, err := primary.OperationStore.Get(context.Background(), "op-1")
	require.NoError(t, err)
	_, err = fallback.Get(context.Background(), "op-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestChainFallsBackOnlyWhenUnavailable(t *testing.T) {
	t.Parallel()

	primary := &flakyOperationStore{OperationStore: memory.NewOperationStore(), down: true}
	fallback := memory.NewOperationStore()
	c := NewOperationStore(primary, fallback, nil)

	require.NoError(t, c.Create(context.Background(), runningOp("op-1", "tgt-1")))

	got, err := fallback.Get(context.Background(), "op-1")
	require.NoError(t, err)
	require.Equal(t, operation.StatusRunning, got.Status)

	// Progress checkpoints keep landing while the primary is down.
	p := operation.Progress{Current: 10, Total: 100}
	require.NoError(t, c.UpdateProgress(context.Background(), "op-1", p, "", nil))
	got, err = c.Get(context.Background(), "op-1")
	require.NoError(t, err)
	require.Equal(t, 10, got.Progress.Current)
}

func TestChainDoesNotMaskPrimaryErrors(t *testing.T) {
	t.Parallel()

	primary := &flakyOperationStore{OperationStore: memory.NewOperationStore()}
	fallback := memory.NewOperationStore()
	c := NewOperationStore(primary, fallback, nil)

	require.NoError(t, c.Create(context.Background(), runningOp("op-1", "tgt-1")))
	// Duplicate id is a real error, not unavailability: no fallback write.
	require.Error(t, c.Create(context.Background(), runningOp("op-1", "tgt-1")))
	_, err := fallback.Get(context.Background(), "op-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestChainGetChecksFallbackOnMiss(t *testing.T) {
	t.Parallel()

	primary := &flakyOperationStore{OperationStore: memory.NewOperationStore()}
	fallback := memory.NewOperationStore()
	require.NoError(t, fallback.Create(context.Background(), runningOp("op-strays", "tgt-1")))
	c := NewOperationStore(primary, fallback, nil)

	got, err := c.Get(context.Background(), "op-strays")
	require.NoError(t, err)
	require.Equal(t, "op-strays", got.ID)
}

func TestChainListMergesStrays(t *testing.T) {
	t.Parallel()

	primary := &flakyOperationStore{OperationStore: memory.NewOperationStore()}
	fallback := memory.NewOperationStore()
	require.NoError(t, primary.OperationStore.Create(context.Background(), runningOp("op-1", "tgt-1")))
	require.NoError(t, fallback.Create(context.Background(), runningOp("op-1", "tgt-1")))
	require.NoError(t, fallback.Create(context.Background(), runningOp("op-2", "tgt-2")))
	c := NewOperationStore(primary, fallback, nil)

	got, err := c.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestChainDeleteReachesBothSides(t *testing.T) {
	t.Parallel()

	primary := &flakyOperationStore{OperationStore: memory.NewOperationStore()}
	fallback := memory.NewOperationStore()
	require.NoError(t, primary.OperationStore.Create(context.Background(), runningOp("op-1", "tgt-1")))
	require.NoError(t, fallback.Create(context.Background(), runningOp("op-1", "tgt-1")))
	c := NewOperationStore(primary, fallback, nil)

	require.NoError(t, c.Delete(context.Background(), "op-1"))
	_, err := primary.OperationStore.Get(context.Background(), "op-1")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = fallback.Get(context.Background(), "op-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

// flakyItemStore fails every call with store.ErrUnavailable while down.
type flakyItemStore struct {
	*memory.ItemStore
	down bool
}

func (f *flakyItemStore) gate() error {
	if f.down {
		return fmt.Errorf("dial tcp: %w", store.ErrUnavailable)
	}
	return nil
}

func (f *flakyItemStore) ExistingIDs(ctx context.Context, targetID string, ids []string) ([]string, error) {
	if err := f.gate(); err != nil {
		return nil, err
	}
	return f.ItemStore.ExistingIDs(ctx, targetID, ids)
}

func (f *flakyItemStore) UpsertBatch(ctx context.Context, targetID string, items []operation.Item) (int, error) {
	if err := f.gate(); err != nil {
		return 0, err
	}
	return f.ItemStore.UpsertBatch(ctx, targetID, items)
}

func TestItemChainUpsertFallsBack(t *testing.T) {
	t.Parallel()

	primary := &flakyItemStore{ItemStore: memory.NewItemStore(), down: true}
	fallback := memory.NewItemStore()
	c := NewItemStore(primary, fallback, nil)

	saved, err := c.UpsertBatch(context.Background(), "tgt-1", []operation.Item{{ID: "a"}})
	require.NoError(t, err)
	require.Equal(t, 1, saved)

	n, err := fallback.CountIndexed(context.Background(), "tgt-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestItemChainExistingIDsUnionsBothSides(t *testing.T) {
	t.Parallel()

	primary := &flakyItemStore{ItemStore: memory.NewItemStore()}
	fallback := memory.NewItemStore()
	_, err := primary.ItemStore.UpsertBatch(context.Background(), "tgt-1",
		[]operation.Item{{ID: "a", FetchedAt: nowUTC()}})
	require.NoError(t, err)
	_, err = fallback.UpsertBatch(context.Background(), "tgt-1",
		[]operation.Item{{ID: "c", FetchedAt: nowUTC()}})
	require.NoError(t, err)
	c := NewItemStore(primary, fallback, nil)

	got, err := c.ExistingIDs(context.Background(), "tgt-1", []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, got)
}
