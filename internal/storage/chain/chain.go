// Package chain composes a primary store with a fallback. Calls go to
// the primary; only when it is unreachable (store.Unavailable) does the
// chain retry on the fallback, so durable progress keeps landing
// somewhere while Postgres is down. Idempotent writes make the replay
// safe, and the cleanup migrator moves strays back to the primary once
// it returns.
package chain

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/shelfwatch/fetch-engine/internal/operation"
	"github.com/shelfwatch/fetch-engine/internal/store"
)

// OperationStore chains two operation stores. A nil fallback makes it a
// pass-through.
type OperationStore struct {
	primary  store.OperationStore
	fallback store.OperationStore
	logger   *zap.Logger
}

// NewOperationStore composes primary and fallback.
func NewOperationStore(primary, fallback store.OperationStore, logger *zap.Logger) *OperationStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationStore{primary: primary, fallback: fallback, logger: logger}
}

func (c *OperationStore) demote(op string, err error) {
	c.logger.Warn("primary operation store unavailable, using fallback",
		zap.String("op", op), zap.Error(err))
}

// Create inserts the record into the primary, or into the fallback when
// the primary is unreachable.
func (c *OperationStore) Create(ctx context.Context, op operation.Operation) error {
	err := c.primary.Create(ctx, op)
	if err == nil || c.fallback == nil || !store.Unavailable(err) {
		return err
	}
	c.demote("create", err)
	return c.fallback.Create(ctx, op)
}

// Get reads from the primary first. A miss also checks the fallback:
// the record may have been created during an outage and not yet
// migrated back.
func (c *OperationStore) Get(ctx context.Context, id string) (operation.Operation, error) {
	op, err := c.primary.Get(ctx, id)
	if err == nil || c.fallback == nil {
		return op, err
	}
	if store.Unavailable(err) {
		c.demote("get", err)
		return c.fallback.Get(ctx, id)
	}
	if errors.Is(err, store.ErrNotFound) {
		return c.fallback.Get(ctx, id)
	}
	return op, err
}

// UpdateStatus writes to wherever the record lives.
func (c *OperationStore) UpdateStatus(ctx context.Context, id string, status operation.Status, message string) error {
	err := c.primary.UpdateStatus(ctx, id, status, message)
	if err == nil || c.fallback == nil {
		return err
	}
	if store.Unavailable(err) {
		c.demote("update status", err)
		return c.fallback.UpdateStatus(ctx, id, status, message)
	}
	if errors.Is(err, store.ErrNotFound) {
		return c.fallback.UpdateStatus(ctx, id, status, message)
	}
	return err
}

// UpdateProgress writes to wherever the record lives.
func (c *OperationStore) UpdateProgress(
	ctx context.Context,
	id string,
	p operation.Progress,
	message string,
	failedIDs []string,
) error {
	err := c.primary.UpdateProgress(ctx, id, p, message, failedIDs)
	if err == nil || c.fallback == nil {
		return err
	}
	if store.Unavailable(err) {
		c.demote("update progress", err)
		return c.fallback.UpdateProgress(ctx, id, p, message, failedIDs)
	}
	if errors.Is(err, store.ErrNotFound) {
		return c.fallback.UpdateProgress(ctx, id, p, message, failedIDs)
	}
	return err
}

// ResetProgress zeroes counters wherever the record lives.
func (c *OperationStore) ResetProgress(ctx context.Context, id string) error {
	err := c.primary.ResetProgress(ctx, id)
	if err == nil || c.fallback == nil {
		return err
	}
	if store.Unavailable(err) {
		c.demote("reset progress", err)
		return c.fallback.ResetProgress(ctx, id)
	}
	if errors.Is(err, store.ErrNotFound) {
		return c.fallback.ResetProgress(ctx, id)
	}
	return err
}

// Delete removes the record from both stores so a cancelled operation
// cannot resurface from the side that was not asked.
func (c *OperationStore) Delete(ctx context.Context, id string) error {
	perr := c.primary.Delete(ctx, id)
	if c.fallback == nil {
		return perr
	}
	if perr != nil && !store.Unavailable(perr) {
		return perr
	}
	if perr != nil {
		c.demote("delete", perr)
	}
	return c.fallback.Delete(ctx, id)
}

// ListActive merges both sides, preferring the primary's copy of a
// record seen in both.
func (c *OperationStore) ListActive(ctx context.Context) ([]operation.Operation, error) {
	return c.merge(ctx, "list active",
		func(s store.OperationStore) ([]operation.Operation, error) { return s.ListActive(ctx) })
}

// ListCompleted merges both sides, preferring the primary's copy.
func (c *OperationStore) ListCompleted(ctx context.Context, since time.Time) ([]operation.Operation, error) {
	return c.merge(ctx, "list completed",
		func(s store.OperationStore) ([]operation.Operation, error) { return s.ListCompleted(ctx, since) })
}

// ListAll merges both sides, preferring the primary's copy.
func (c *OperationStore) ListAll(ctx context.Context) ([]operation.Operation, error) {
	return c.merge(ctx, "list all",
		func(s store.OperationStore) ([]operation.Operation, error) { return s.ListAll(ctx) })
}

func (c *OperationStore) merge(
	_ context.Context,
	opName string,
	list func(store.OperationStore) ([]operation.Operation, error),
) ([]operation.Operation, error) {
	primary, err := list(c.primary)
	if err != nil {
		if c.fallback == nil || !store.Unavailable(err) {
			return nil, err
		}
		c.demote(opName, err)
		return list(c.fallback)
	}
	if c.fallback == nil {
		return primary, nil
	}

	extra, ferr := list(c.fallback)
	if ferr != nil {
		// Fallback noise must not fail a healthy primary read.
		c.logger.Warn("fallback operation store list failed",
			zap.String("op", opName), zap.Error(ferr))
		return primary, nil
	}
	seen := make(map[string]struct{}, len(primary))
	for _, op := range primary {
		seen[op.ID] = struct{}{}
	}
	out := primary
	for _, op := range extra {
		if _, ok := seen[op.ID]; !ok {
			out = append(out, op)
		}
	}
	return out, nil
}

// ItemStore chains two item stores the same way.
type ItemStore struct {
	primary  store.ItemStore
	fallback store.ItemStore
	logger   *zap.Logger
}

// NewItemStore composes primary and fallback.
func NewItemStore(primary, fallback store.ItemStore, logger *zap.Logger) *ItemStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ItemStore{primary: primary, fallback: fallback, logger: logger}
}

func (c *ItemStore) demote(op string, err error) {
	c.logger.Warn("primary item store unavailable, using fallback",
		zap.String("op", op), zap.Error(err))
}

// ExistingIDs unions both sides so items saved during an outage are not
// fetched again while they wait for migration.
func (c *ItemStore) ExistingIDs(ctx context.Context, targetID string, ids []string) ([]string, error) {
	return c.unionIDs(ctx, "existing ids", ids,
		func(s store.ItemStore) ([]string, error) { return s.ExistingIDs(ctx, targetID, ids) })
}

// IndexedIDs unions both sides.
func (c *ItemStore) IndexedIDs(ctx context.Context, targetID string, ids []string) ([]string, error) {
	return c.unionIDs(ctx, "indexed ids", ids,
		func(s store.ItemStore) ([]string, error) { return s.IndexedIDs(ctx, targetID, ids) })
}

func (c *ItemStore) unionIDs(
	_ context.Context,
	opName string,
	order []string,
	query func(store.ItemStore) ([]string, error),
) ([]string, error) {
	primary, err := query(c.primary)
	if err != nil {
		if c.fallback == nil || !store.Unavailable(err) {
			return nil, err
		}
		c.demote(opName, err)
		return query(c.fallback)
	}
	if c.fallback == nil {
		return primary, nil
	}

	extra, ferr := query(c.fallback)
	if ferr != nil {
		c.logger.Warn("fallback item store read failed",
			zap.String("op", opName), zap.Error(ferr))
		return primary, nil
	}
	if len(extra) == 0 {
		return primary, nil
	}
	present := make(map[string]struct{}, len(primary)+len(extra))
	for _, id := range primary {
		present[id] = struct{}{}
	}
	for _, id := range extra {
		present[id] = struct{}{}
	}
	var out []string
	for _, id := range order {
		if _, ok := present[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// UpsertBatch writes to the primary, replaying the whole batch on the
// fallback when the primary is unreachable.
func (c *ItemStore) UpsertBatch(ctx context.Context, targetID string, items []operation.Item) (int, error) {
	saved, err := c.primary.UpsertBatch(ctx, targetID, items)
	if err == nil || c.fallback == nil || !store.Unavailable(err) {
		return saved, err
	}
	c.demote("upsert batch", err)
	return c.fallback.UpsertBatch(ctx, targetID, items)
}

// UpsertIndex writes to the primary, replaying on the fallback when the
// primary is unreachable.
func (c *ItemStore) UpsertIndex(ctx context.Context, targetID string, items []operation.Item) (int, error) {
	written, err := c.primary.UpsertIndex(ctx, targetID, items)
	if err == nil || c.fallback == nil || !store.Unavailable(err) {
		return written, err
	}
	c.demote("upsert index", err)
	return c.fallback.UpsertIndex(ctx, targetID, items)
}

// Count reports the primary's count. Items still waiting in the
// fallback are missed until migration; totals are advisory.
func (c *ItemStore) Count(ctx context.Context, targetID string) (int, error) {
	n, err := c.primary.Count(ctx, targetID)
	if err == nil || c.fallback == nil || !store.Unavailable(err) {
		return n, err
	}
	c.demote("count", err)
	return c.fallback.Count(ctx, targetID)
}

// CountIndexed reports the primary's count, stubs included.
func (c *ItemStore) CountIndexed(ctx context.Context, targetID string) (int, error) {
	n, err := c.primary.CountIndexed(ctx, targetID)
	if err == nil || c.fallback == nil || !store.Unavailable(err) {
		return n, err
	}
	c.demote("count indexed", err)
	return c.fallback.CountIndexed(ctx, targetID)
}
