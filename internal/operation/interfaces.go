package operation

import (
	"context"
	"time"
)

// Source lists and fetches items through a target's proxy endpoints.
type Source interface {
	ListItemIDs(ctx context.Context, target Target) ([]string, error)
	FetchItem(ctx context.Context, target Target, id string) (Item, error)
}

// Reporter is the checkpoint surface the manager hands to a running
// executor: progress after every batch, exactly one terminal call when
// the run ends on its own. Get lets the executor re-read its own record
// between chunks so an external pause or delete stops the run at the
// next boundary even if context cancellation was lost.
type Reporter interface {
	Get(ctx context.Context, id string) (Operation, error)
	UpdateProgress(ctx context.Context, id string, p Progress, message string, failedIDs []string) error
	Complete(ctx context.Context, id string, message string) error
	Fail(ctx context.Context, id string, message string) error
}

// Runner executes one operation until it completes, fails, or its
// context is cancelled by a pause, cancel, or shutdown.
type Runner interface {
	Run(ctx context.Context, op Operation, rep Reporter)
}

// Publisher pushes lifecycle events to an external broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes item bodies and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher computes digests for content integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces operation IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
