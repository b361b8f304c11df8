// Package executor drives one operation to completion: derive the
// remaining work from the store, split it into chunks and batches,
// fetch each batch concurrently, persist idempotently, and checkpoint
// after every batch. A crash can lose at most one batch of progress
// notifications and no work, because done-ness is re-derived from the
// store on the next run.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shelfwatch/fetch-engine/internal/diff"
	"github.com/shelfwatch/fetch-engine/internal/operation"
	"github.com/shelfwatch/fetch-engine/internal/progress"
	"github.com/shelfwatch/fetch-engine/internal/store"
)

// Config bounds the executor's memory, concurrency, and pacing.
type Config struct {
	// ChunkSize bounds how many ids are in flight per chunk.
	ChunkSize int
	// BatchSize bounds fetch concurrency and store write size.
	BatchSize int
	// BatchDelay and ChunkDelay space out boundary crossings. They are
	// scheduling hints; zero is valid.
	BatchDelay time.Duration
	ChunkDelay time.Duration
	// BlobPrefix namespaces item bodies inside the blob store.
	BlobPrefix string
}

const (
	defaultChunkSize  = 1000
	defaultBatchSize  = 25
	defaultBlobPrefix = "items"
)

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BlobPrefix == "" {
		c.BlobPrefix = defaultBlobPrefix
	}
	return c
}

// Executor runs operations against a source and an item store.
type Executor struct {
	cfg      Config
	source   operation.Source
	items    store.ItemStore
	resolver *diff.Resolver
	blobs    operation.BlobStore
	hasher   operation.Hasher
	clock    operation.Clock
	emitter  progress.Emitter
	logger   *zap.Logger
}

var _ operation.Runner = (*Executor)(nil)

// New builds an Executor. The emitter may be nil when no hub is wired.
func New(
	cfg Config,
	src operation.Source,
	items store.ItemStore,
	blobs operation.BlobStore,
	hasher operation.Hasher,
	clk operation.Clock,
	emitter progress.Emitter,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:      cfg.withDefaults(),
		source:   src,
		items:    items,
		resolver: diff.NewResolver(items, 0),
		blobs:    blobs,
		hasher:   hasher,
		clock:    clk,
		emitter:  emitter,
		logger:   logger,
	}
}

// Run implements operation.Runner. It never returns an error: outcomes
// land in the operation record through the reporter, and a cancelled
// context or a record removed mid-run stops the run silently.
func (e *Executor) Run(ctx context.Context, op operation.Operation, rep operation.Reporter) {
	logger := e.logger.With(
		zap.String("operation_id", op.ID),
		zap.String("kind", string(op.Kind)),
		zap.String("target_id", op.TargetID),
	)
	started := e.clock.Now()

	handler, err := e.handlerFor(op.Kind)
	if err != nil {
		e.fail(ctx, rep, op, logger, err.Error(), started)
		return
	}

	remaining, err := e.resolver.Remaining(ctx, op.Kind, op.TargetID, op.WorkItems)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.fail(ctx, rep, op, logger, fmt.Sprintf("derive remaining work: %v", err), started)
		return
	}
	if op.MaxItems > 0 && len(remaining) > op.MaxItems {
		remaining = remaining[:op.MaxItems]
	}
	if len(remaining) == 0 {
		e.complete(ctx, rep, op, logger, started)
		return
	}

	chunks := split(remaining, e.cfg.ChunkSize)
	run := &runState{total: len(remaining), totalChunks: len(chunks)}
	logger.Info("run starting",
		zap.Int("remaining", run.total),
		zap.Int("work_items", len(op.WorkItems)),
		zap.Int("chunks", run.totalChunks),
	)

	for ci, chunk := range chunks {
		run.currentChunk = ci + 1
		ok, err := e.runChunk(ctx, op, rep, logger, handler, chunk, run)
		if err != nil {
			e.fail(ctx, rep, op, logger, err.Error(), started)
			return
		}
		if !ok {
			return
		}
		if ci < len(chunks)-1 && !sleep(ctx, e.cfg.ChunkDelay) {
			return
		}
	}
	e.complete(ctx, rep, op, logger, started)
}

// runState carries the per-run counters feeding progress checkpoints.
type runState struct {
	total        int
	totalChunks  int
	currentChunk int
	current      int
	failedIDs    []string
}

func (s *runState) progress() operation.Progress {
	return operation.Progress{
		Current:      s.current,
		Total:        s.total,
		CurrentChunk: s.currentChunk,
		TotalChunks:  s.totalChunks,
	}
}

// runChunk works through one chunk batch by batch. ok is false when
// the run must stop silently; a non-nil error fails the operation. The
// batch that surfaced the error still checkpoints first, so its saved
// items count.
func (e *Executor) runChunk(
	ctx context.Context,
	op operation.Operation,
	rep operation.Reporter,
	logger *zap.Logger,
	handler batchHandler,
	chunk []string,
	run *runState,
) (bool, error) {
	batches := split(chunk, e.cfg.BatchSize)
	for bi, batch := range batches {
		if !e.gate(ctx, rep, op.ID, logger) {
			logger.Info("run stopping at checkpoint",
				zap.Int("current", run.current),
				zap.Int("total", run.total),
			)
			return false, nil
		}

		batchStart := e.clock.Now()
		out, fatal := handler(ctx, op, batch)
		run.current += out.saved + len(out.failedIDs)
		run.failedIDs = append(run.failedIDs, out.failedIDs...)

		if err := rep.UpdateProgress(ctx, op.ID, run.progress(), "", run.failedIDs); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Record removed underneath us: the operation was
				// cancelled and must not be resurrected.
				return false, nil
			}
			logger.Warn("checkpoint write failed", zap.Error(err))
		}

		e.emit(progress.Event{
			OperationID: op.ID,
			Kind:        op.Kind,
			TargetID:    op.TargetID,
			Stage:       progress.StageBatchDone,
			Saved:       out.saved,
			Failed:      len(out.failedIDs),
			Skipped:     out.skipped,
			Dur:         e.clock.Now().Sub(batchStart),
		})
		e.emit(progress.Event{
			OperationID: op.ID,
			Kind:        op.Kind,
			TargetID:    op.TargetID,
			Stage:       progress.StageProgress,
			Current:     run.current,
			Total:       run.total,
		})

		if fatal != nil {
			return false, fatal
		}
		if bi < len(batches)-1 && !sleep(ctx, e.cfg.BatchDelay) {
			return false, nil
		}
	}
	return true, nil
}

// gate decides whether the next batch may start: context alive, record
// still present, status still running. The re-read catches pauses and
// cancels issued by another process; a failed advisory read does not
// stop the run.
func (e *Executor) gate(ctx context.Context, rep operation.Reporter, id string, logger *zap.Logger) bool {
	if ctx.Err() != nil {
		return false
	}
	cur, err := rep.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false
		}
		logger.Warn("status re-read failed, continuing", zap.Error(err))
		return true
	}
	return cur.Status == operation.StatusRunning
}

func (e *Executor) complete(
	ctx context.Context,
	rep operation.Reporter,
	op operation.Operation,
	logger *zap.Logger,
	started time.Time,
) {
	if ctx.Err() != nil {
		return
	}
	msg := e.completionMessage(ctx, op, logger)
	if err := rep.Complete(ctx, op.ID, msg); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Error("completion write failed", zap.Error(err))
		}
		return
	}
	logger.Info("operation completed",
		zap.String("message", msg),
		zap.Duration("runtime", e.clock.Now().Sub(started)),
	)
}

// completionMessage re-queries the store so the reported count is the
// durable truth, never the in-memory counter.
func (e *Executor) completionMessage(ctx context.Context, op operation.Operation, logger *zap.Logger) string {
	switch op.Kind {
	case operation.KindUpdateIndex:
		n, err := e.items.CountIndexed(ctx, op.TargetID)
		if err != nil {
			logger.Warn("final index count unavailable", zap.Error(err))
			return "index refresh finished"
		}
		return fmt.Sprintf("index holds %d items", n)
	default:
		n, err := e.items.Count(ctx, op.TargetID)
		if err != nil {
			logger.Warn("final item count unavailable", zap.Error(err))
			return "fetch finished"
		}
		return fmt.Sprintf("store holds %d items", n)
	}
}

func (e *Executor) fail(
	ctx context.Context,
	rep operation.Reporter,
	op operation.Operation,
	logger *zap.Logger,
	msg string,
	started time.Time,
) {
	if ctx.Err() != nil {
		return
	}
	if err := rep.Fail(ctx, op.ID, msg); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error("failure write failed", zap.Error(err))
	}
	logger.Error("operation failed",
		zap.String("message", msg),
		zap.Duration("runtime", e.clock.Now().Sub(started)),
	)
}

// emit stamps the event time and forwards it; a nil emitter drops it.
func (e *Executor) emit(evt progress.Event) {
	if e.emitter == nil {
		return
	}
	evt.TS = e.clock.Now()
	e.emitter.Emit(evt)
}

// split divides ids into slices of at most size, preserving order.
func split(ids []string, size int) [][]string {
	out := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

// sleep waits d unless the context ends first; false means stop.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
