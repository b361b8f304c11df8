// Package memory provides in-memory store implementations used by
// tests, local development, and the fallback chain's last resort.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shelfwatch/fetch-engine/internal/operation"
	"github.com/shelfwatch/fetch-engine/internal/store"
)

// OperationStore keeps operation records in a map. Records are cloned
// on the way in and out so callers never share slices with the store.
type OperationStore struct {
	mu  sync.RWMutex
	ops map[string]operation.Operation
}

// NewOperationStore constructs an empty OperationStore.
func NewOperationStore() *OperationStore {
	return &OperationStore{ops: make(map[string]operation.Operation)}
}

// Create inserts a new record. The record is stored as given, including
// its timestamps.
func (s *OperationStore) Create(_ context.Context, op operation.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ops[op.ID]; exists {
		return fmt.Errorf("operation %s already exists", op.ID)
	}
	s.ops[op.ID] = op.Clone()
	return nil
}

// Get fetches one record by ID.
func (s *OperationStore) Get(_ context.Context, id string) (operation.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[id]
	if !ok {
		return operation.Operation{}, store.ErrNotFound
	}
	return op.Clone(), nil
}

// UpdateStatus transitions the record's status. An empty message leaves
// the stored message alone.
func (s *OperationStore) UpdateStatus(_ context.Context, id string, status operation.Status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return store.ErrNotFound
	}
	op.Status = status
	if message != "" {
		op.Message = message
	}
	op.UpdatedAt = time.Now().UTC()
	s.ops[id] = op
	return nil
}

// UpdateProgress merges checkpoint state. Counters never move
// backwards; a nil failedIDs leaves the stored list alone.
func (s *OperationStore) UpdateProgress(
	_ context.Context,
	id string,
	p operation.Progress,
	message string,
	failedIDs []string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return store.ErrNotFound
	}
	op.Progress = store.MonotonicProgress(op.Progress, p)
	if message != "" {
		op.Message = message
	}
	if failedIDs != nil {
		op.FailedIDs = append([]string(nil), failedIDs...)
	}
	op.UpdatedAt = time.Now().UTC()
	s.ops[id] = op
	return nil
}

// ResetProgress zeroes counters and failed ids ahead of a fresh run.
func (s *OperationStore) ResetProgress(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return store.ErrNotFound
	}
	op.Progress = operation.Progress{}
	op.FailedIDs = nil
	op.UpdatedAt = time.Now().UTC()
	s.ops[id] = op
	return nil
}

// Delete removes a record. Deleting an absent id is a no-op.
func (s *OperationStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ops, id)
	return nil
}

// ListActive returns running and paused operations, oldest first.
func (s *OperationStore) ListActive(_ context.Context) ([]operation.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []operation.Operation
	for _, op := range s.ops {
		if op.Status.Active() {
			out = append(out, op.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// ListCompleted returns terminal operations updated at or after since,
// newest first.
func (s *OperationStore) ListCompleted(_ context.Context, since time.Time) ([]operation.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []operation.Operation
	for _, op := range s.ops {
		if op.Status.Terminal() && !op.UpdatedAt.Before(since) {
			out = append(out, op.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// ListAll returns every record, oldest first.
func (s *OperationStore) ListAll(_ context.Context) ([]operation.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]operation.Operation, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, op.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
