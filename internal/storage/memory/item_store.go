package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shelfwatch/fetch-engine/internal/operation"
)

// ItemStore keeps fetched items in nested maps keyed by target then
// item id. Upserts are idempotent by construction.
type ItemStore struct {
	mu    sync.RWMutex
	items map[string]map[string]operation.Item
}

// NewItemStore constructs an empty ItemStore.
func NewItemStore() *ItemStore {
	return &ItemStore{items: make(map[string]map[string]operation.Item)}
}

// ExistingIDs returns the subset of ids stored with fetched content, in
// the order given.
func (s *ItemStore) ExistingIDs(_ context.Context, targetID string, ids []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.items[targetID]
	var out []string
	for _, id := range ids {
		if item, ok := byID[id]; ok && !item.Stub() {
			out = append(out, id)
		}
	}
	return out, nil
}

// IndexedIDs returns the subset of ids present at all, stub or fetched,
// in the order given.
func (s *ItemStore) IndexedIDs(_ context.Context, targetID string, ids []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.items[targetID]
	var out []string
	for _, id := range ids {
		if _, ok := byID[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// UpsertBatch saves fetched items, replacing stubs and earlier fetches
// of the same id.
func (s *ItemStore) UpsertBatch(_ context.Context, targetID string, items []operation.Item) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.items[targetID]
	if byID == nil {
		byID = make(map[string]operation.Item)
		s.items[targetID] = byID
	}
	for _, item := range items {
		item.TargetID = targetID
		byID[item.ID] = item
	}
	return len(items), nil
}

// UpsertIndex records index stubs. Rows that already carry fetched
// content are left untouched and not counted.
func (s *ItemStore) UpsertIndex(_ context.Context, targetID string, items []operation.Item) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.items[targetID]
	if byID == nil {
		byID = make(map[string]operation.Item)
		s.items[targetID] = byID
	}
	written := 0
	for _, stub := range items {
		if existing, ok := byID[stub.ID]; ok && !existing.Stub() {
			continue
		}
		stub.TargetID = targetID
		stub.Content = ""
		stub.FetchedAt = time.Time{}
		byID[stub.ID] = stub
		written++
	}
	return written, nil
}

// Item returns one stored record for inspection in tests.
func (s *ItemStore) Item(targetID, id string) (operation.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[targetID][id]
	return item, ok
}

// Count returns the number of items stored with content.
func (s *ItemStore) Count(_ context.Context, targetID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, item := range s.items[targetID] {
		if !item.Stub() {
			n++
		}
	}
	return n, nil
}

// CountIndexed returns the number of rows present, stubs included.
func (s *ItemStore) CountIndexed(_ context.Context, targetID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items[targetID]), nil
}
