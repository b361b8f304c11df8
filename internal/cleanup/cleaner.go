// Package cleanup sweeps the operation store. It prunes finished and
// abandoned records, reconciles duplicate active operations, and
// migrates records stranded in the fallback store back into the durable
// one. Everything here is a safety net: the lifecycle manager keeps the
// invariants in the common path.
package cleanup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/shelfwatch/fetch-engine/internal/operation"
	"github.com/shelfwatch/fetch-engine/internal/store"
)

const (
	// DefaultInterval is how often the sweeper runs.
	DefaultInterval = 10 * time.Minute
	// DefaultTerminalTTL is how long a completed or failed record may
	// outlive its grace window before the sweep removes it.
	DefaultTerminalTTL = time.Hour
	// DefaultStaleTTL is how long a running or paused record may go
	// without an update before it counts as abandoned.
	DefaultStaleTTL = 4 * time.Hour
)

// Config tunes the cleaner.
type Config struct {
	// Interval between sweeper passes. Zero or negative means
	// DefaultInterval.
	Interval time.Duration
	// TerminalTTL ages out completed and failed records. Zero or
	// negative means DefaultTerminalTTL.
	TerminalTTL time.Duration
	// StaleTTL ages out active records that stopped updating. Zero or
	// negative means DefaultStaleTTL.
	StaleTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.TerminalTTL <= 0 {
		c.TerminalTTL = DefaultTerminalTTL
	}
	if c.StaleTTL <= 0 {
		c.StaleTTL = DefaultStaleTTL
	}
	return c
}

// Cleaner prunes and reconciles operation records.
type Cleaner struct {
	cfg    Config
	ops    store.OperationStore
	clock  operation.Clock
	logger *zap.Logger
}

// NewCleaner constructs a Cleaner. A nil logger falls back to a no-op
// one.
func NewCleaner(cfg Config, ops store.OperationStore, clk operation.Clock, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{cfg: cfg.withDefaults(), ops: ops, clock: clk, logger: logger}
}

// PruneTerminal deletes completed and failed records older than the
// terminal TTL. These normally vanish via the manager's grace window;
// the sweep catches records orphaned by a restart in between.
func (c *Cleaner) PruneTerminal(ctx context.Context) (int, error) {
	all, err := c.ops.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list operations: %w", err)
	}
	cutoff := c.clock.Now().Add(-c.cfg.TerminalTTL)
	pruned := 0
	for _, op := range all {
		if !op.Status.Terminal() || !op.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := c.ops.Delete(ctx, op.ID); err != nil {
			c.logger.Warn("prune terminal record",
				zap.String("operation_id", op.ID), zap.Error(err))
			continue
		}
		pruned++
	}
	if pruned > 0 {
		c.logger.Info("terminal records pruned", zap.Int("count", pruned))
	}
	return pruned, nil
}

// PruneStale deletes running and paused records whose last update is
// older than the stale TTL. A record that old has lost its executor for
// good, so it is treated as abandoned.
func (c *Cleaner) PruneStale(ctx context.Context) (int, error) {
	all, err := c.ops.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list operations: %w", err)
	}
	cutoff := c.clock.Now().Add(-c.cfg.StaleTTL)
	pruned := 0
	for _, op := range all {
		if !op.Status.Active() || !op.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := c.ops.Delete(ctx, op.ID); err != nil {
			c.logger.Warn("prune stale record",
				zap.String("operation_id", op.ID), zap.Error(err))
			continue
		}
		c.logger.Info("abandoned operation removed",
			zap.String("operation_id", op.ID),
			zap.String("status", string(op.Status)),
			zap.Time("updated_at", op.UpdatedAt))
		pruned++
	}
	return pruned, nil
}

// ReconcileDuplicates enforces the one-active-operation-per-target-and-
// kind rule after the fact: when several active records share a
// (TargetID, Kind), the most recently updated one stays and the rest
// are deleted.
func (c *Cleaner) ReconcileDuplicates(ctx context.Context) (int, error) {
	active, err := c.ops.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active operations: %w", err)
	}

	type key struct {
		targetID string
		kind     operation.Kind
	}
	groups := make(map[key][]operation.Operation)
	for _, op := range active {
		k := key{targetID: op.TargetID, kind: op.Kind}
		groups[k] = append(groups[k], op)
	}

	removed := 0
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		// newest first; id breaks ties so the outcome is deterministic
		sort.Slice(group, func(i, j int) bool {
			if !group[i].UpdatedAt.Equal(group[j].UpdatedAt) {
				return group[i].UpdatedAt.After(group[j].UpdatedAt)
			}
			return group[i].ID > group[j].ID
		})
		for _, op := range group[1:] {
			if err := c.ops.Delete(ctx, op.ID); err != nil {
				c.logger.Warn("remove duplicate operation",
					zap.String("operation_id", op.ID), zap.Error(err))
				continue
			}
			c.logger.Info("duplicate operation removed",
				zap.String("operation_id", op.ID),
				zap.String("kept_id", group[0].ID),
				zap.String("target_id", op.TargetID),
				zap.String("kind", string(op.Kind)))
			removed++
		}
	}
	return removed, nil
}

// Sweep runs one prune and reconcile pass. Each phase runs even when an
// earlier one errors; the first error is returned.
func (c *Cleaner) Sweep(ctx context.Context) error {
	var firstErr error
	if _, err := c.PruneTerminal(ctx); err != nil {
		c.logger.Warn("terminal prune pass failed", zap.Error(err))
		firstErr = err
	}
	if _, err := c.PruneStale(ctx); err != nil {
		c.logger.Warn("stale prune pass failed", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	if _, err := c.ReconcileDuplicates(ctx); err != nil {
		c.logger.Warn("duplicate reconcile pass failed", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run sweeps on the configured interval until ctx ends.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.logger.Info("cleanup sweeper started",
		zap.Duration("interval", c.cfg.Interval),
		zap.Duration("terminal_ttl", c.cfg.TerminalTTL),
		zap.Duration("stale_ttl", c.cfg.StaleTTL))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("cleanup sweeper stopped")
			return
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("cleanup sweep failed", zap.Error(err))
			}
		}
	}
}
