// Package diff computes the remaining work of an operation. Done-ness
// comes from the item store alone: an id is done when the store already
// holds it, so a restarted or resumed run re-derives its work list
// instead of trusting anything in memory.
package diff

import (
	"context"
	"fmt"

	"github.com/shelfwatch/fetch-engine/internal/operation"
	"github.com/shelfwatch/fetch-engine/internal/store"
)

// DefaultWindow bounds how many ids one store lookup may carry, keeping
// SQL parameter lists well under every backend's limit.
const DefaultWindow = 500

// Resolver subtracts store-present ids from a work-item set.
type Resolver struct {
	items  store.ItemStore
	window int
}

// NewResolver builds a Resolver. A window of 0 means DefaultWindow.
func NewResolver(items store.ItemStore, window int) *Resolver {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Resolver{items: items, window: window}
}

// Remaining returns the subset of workItems not yet present in the
// store, in the original order with duplicates removed. The presence
// scope follows the operation kind: fetch-items needs stored content,
// update-index needs any indexed row.
func (r *Resolver) Remaining(
	ctx context.Context,
	kind operation.Kind,
	targetID string,
	workItems []string,
) ([]string, error) {
	var lookup func(context.Context, string, []string) ([]string, error)
	switch kind {
	case operation.KindFetchItems:
		lookup = r.items.ExistingIDs
	case operation.KindUpdateIndex:
		lookup = r.items.IndexedIDs
	default:
		return nil, fmt.Errorf("%w: %q", operation.ErrUnknownKind, kind)
	}

	ids := dedupe(workItems)
	done := make(map[string]struct{}, len(ids))
	for start := 0; start < len(ids); start += r.window {
		end := start + r.window
		if end > len(ids) {
			end = len(ids)
		}
		present, err := lookup(ctx, targetID, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("diff lookup: %w", err)
		}
		for _, id := range present {
			done[id] = struct{}{}
		}
	}

	var remaining []string
	for _, id := range ids {
		if _, ok := done[id]; !ok {
			remaining = append(remaining, id)
		}
	}
	return remaining, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
