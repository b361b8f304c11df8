package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shelfwatch/fetch-engine/internal/operation"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrUnavailable signals that the backend could not be reached at all,
// as opposed to answering with an error. The fallback chain switches
// backends only on this class.
var ErrUnavailable = errors.New("store unavailable")

// TimeoutError reports a store call that exceeded its deadline. For
// batched writes the saved count returned alongside it still counts.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("store: %s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout reports whether err carries a TimeoutError in its chain.
func Timeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Unavailable reports whether err marks the backend as unreachable.
func Unavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// OperationStore persists operation records. Status writes come only
// from the lifecycle manager; progress writes only from its checkpoint
// path.
type OperationStore interface {
	// Create inserts a new record. The id must be unused.
	Create(ctx context.Context, op operation.Operation) error
	// Get loads one record or returns ErrNotFound.
	Get(ctx context.Context, id string) (operation.Operation, error)
	// UpdateStatus transitions status and bumps UpdatedAt. An empty
	// message leaves the stored message alone.
	UpdateStatus(ctx context.Context, id string, status operation.Status, message string) error
	// UpdateProgress writes checkpoint state. Counters never move
	// backwards: the store keeps the greater of stored and given.
	UpdateProgress(ctx context.Context, id string, p operation.Progress, message string, failedIDs []string) error
	// ResetProgress zeroes counters and failed ids ahead of a fresh run.
	ResetProgress(ctx context.Context, id string) error
	// Delete removes a record. Deleting an absent id is a no-op.
	Delete(ctx context.Context, id string) error
	// ListActive returns running and paused operations, oldest first.
	ListActive(ctx context.Context) ([]operation.Operation, error)
	// ListCompleted returns terminal operations updated at or after the
	// given time, newest first.
	ListCompleted(ctx context.Context, since time.Time) ([]operation.Operation, error)
	// ListAll returns every record; the cleanup sweeps filter in memory.
	ListAll(ctx context.Context) ([]operation.Operation, error)
}

// MonotonicProgress merges a checkpoint into stored progress without
// letting any counter move backwards. Store implementations share it so
// a late checkpoint can never regress what a newer one wrote.
func MonotonicProgress(stored, next operation.Progress) operation.Progress {
	if next.Current < stored.Current {
		next.Current = stored.Current
	}
	if next.Total < stored.Total {
		next.Total = stored.Total
	}
	if next.CurrentChunk < stored.CurrentChunk {
		next.CurrentChunk = stored.CurrentChunk
	}
	if next.TotalChunks < stored.TotalChunks {
		next.TotalChunks = stored.TotalChunks
	}
	return next
}
