package executor

import (
	"context"
	"errors"
	"fmt"
	"path"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shelfwatch/fetch-engine/internal/fetch"
	"github.com/shelfwatch/fetch-engine/internal/operation"
	"github.com/shelfwatch/fetch-engine/internal/source"
)

// batchHandler processes one batch of ids for a specific kind. A
// non-nil error is operation-level: the run fails after the outcome is
// checkpointed.
type batchHandler func(ctx context.Context, op operation.Operation, ids []string) (batchOutcome, error)

// batchOutcome reports what one batch accomplished. saved counts rows
// the store acknowledged; failedIDs are ids the remote side condemned;
// skipped items stay absent from the store so a later resume retries
// them.
type batchOutcome struct {
	saved     int
	skipped   int
	failedIDs []string
}

// handlerFor dispatches on kind. The switch is exhaustive over
// operation.Kind; anything else is rejected with ErrUnknownKind.
func (e *Executor) handlerFor(kind operation.Kind) (batchHandler, error) {
	switch kind {
	case operation.KindFetchItems:
		return e.fetchBatch, nil
	case operation.KindUpdateIndex:
		return e.indexBatch, nil
	default:
		return nil, fmt.Errorf("%w: %q", operation.ErrUnknownKind, kind)
	}
}

// fetchBatch fetches every id concurrently, persists the successes in
// one idempotent upsert, and absorbs errors item by item. An
// unrecoverable error escalates, but only after the batch's successes
// are saved.
func (e *Executor) fetchBatch(ctx context.Context, op operation.Operation, ids []string) (batchOutcome, error) {
	type result struct {
		id   string
		item operation.Item
		err  error
	}
	results := make([]result, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			item, err := e.fetchOne(gctx, op, id)
			results[i] = result{id: id, item: item, err: err}
			return nil
		})
	}
	_ = g.Wait() // item errors live in results

	var out batchOutcome
	var fatal error
	fetched := make([]operation.Item, 0, len(ids))
	for _, r := range results {
		switch {
		case r.err == nil:
			fetched = append(fetched, r.item)
		case operation.Unrecoverable(r.err):
			if fatal == nil {
				fatal = r.err
			}
			out.skipped++
		case permanentFailure(r.err):
			out.failedIDs = append(out.failedIDs, r.id)
			e.logger.Debug("item failed permanently",
				zap.String("operation_id", op.ID),
				zap.String("item_id", r.id),
				zap.Error(r.err),
			)
		default:
			out.skipped++
			e.logger.Debug("item deferred to a later run",
				zap.String("operation_id", op.ID),
				zap.String("item_id", r.id),
				zap.Error(r.err),
			)
		}
	}

	if len(fetched) == 0 {
		return out, fatal
	}
	saved, err := e.items.UpsertBatch(ctx, op.TargetID, fetched)
	out.saved = saved
	if err != nil {
		// Partial success: what the store acknowledged counts, the
		// rest stays absent and retries on the next resume.
		e.logger.Warn("batch persist incomplete",
			zap.String("operation_id", op.ID),
			zap.Int("fetched", len(fetched)),
			zap.Int("saved", saved),
			zap.Error(err),
		)
	}
	out.skipped += len(fetched) - saved
	return out, fatal
}

// fetchOne reads one item through the source, writes its body to the
// blob store, and stamps hash, URI, and fetch time.
func (e *Executor) fetchOne(ctx context.Context, op operation.Operation, id string) (operation.Item, error) {
	item, err := e.source.FetchItem(ctx, op.Target(), id)
	if err != nil {
		return operation.Item{}, err
	}
	body := []byte(item.Content)
	digest, err := e.hasher.Hash(body)
	if err != nil {
		return operation.Item{}, fmt.Errorf("hash item %s: %w", id, err)
	}
	uri, err := e.blobs.PutObject(ctx, e.objectName(op.TargetID, digest), "text/html", body)
	if err != nil {
		return operation.Item{}, fmt.Errorf("store item body %s: %w", id, err)
	}
	item.ContentHash = digest
	item.BlobURI = uri
	item.FetchedAt = e.clock.Now()
	return item, nil
}

func (e *Executor) objectName(targetID, digest string) string {
	return path.Join(e.cfg.BlobPrefix, targetID, digest+".html")
}

// indexBatch records index stubs; no remote fetch is involved.
func (e *Executor) indexBatch(ctx context.Context, op operation.Operation, ids []string) (batchOutcome, error) {
	stubs := make([]operation.Item, 0, len(ids))
	for _, id := range ids {
		stubs = append(stubs, operation.Item{ID: id, TargetID: op.TargetID})
	}
	written, err := e.items.UpsertIndex(ctx, op.TargetID, stubs)
	if err != nil {
		e.logger.Warn("index persist incomplete",
			zap.String("operation_id", op.ID),
			zap.Int("stubs", len(stubs)),
			zap.Int("written", written),
			zap.Error(err),
		)
	}
	return batchOutcome{saved: written, skipped: len(ids) - written}, nil
}

// permanentFailure reports whether the error condemns the item for
// this run. Only remote answers count: 404/410, other 4xx, and
// undecodable payloads. Network blips, open breakers, and local
// storage trouble leave the item absent so the next resume retries it.
// Unrecoverable errors never reach here; the caller escalates them
// first.
func permanentFailure(err error) bool {
	if fetch.NotFound(err) {
		return true
	}
	var httpErr *fetch.HTTPError
	if errors.As(err, &httpErr) {
		return true
	}
	var decodeErr *source.DecodeError
	return errors.As(err, &decodeErr)
}
