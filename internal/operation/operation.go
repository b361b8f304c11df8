package operation

import (
	"time"
)

// Kind tags what an operation does to its target. The set is closed:
// the executor dispatches on kind exhaustively and Create rejects
// anything it does not know.
type Kind string

const (
	// KindFetchItems downloads the full content of every work item and
	// persists it.
	KindFetchItems Kind = "fetch-items"
	// KindUpdateIndex records newly discovered item ids as index stubs
	// without fetching their content.
	KindUpdateIndex Kind = "update-index"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindFetchItems, KindUpdateIndex:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of an operation. Cancellation is not a
// status: a cancelled operation is deleted outright.
type Status string

const (
	// StatusRunning means an executor is (or should be) working on it.
	StatusRunning Status = "running"
	// StatusPaused means work is suspended but the record survives.
	StatusPaused Status = "paused"
	// StatusCompleted means the run finished; the record lingers only
	// for a grace window.
	StatusCompleted Status = "completed"
	// StatusFailed means the run hit an unrecoverable error.
	StatusFailed Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusPaused, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Active reports whether s counts toward the one-active-operation-per-
// target-and-kind invariant.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusPaused
}

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Target identifies one tracked external site.
type Target struct {
	// ID is the stable identifier of the target.
	ID string
	// Name is the display name.
	Name string
	// URL is the base URL of the target's proxy endpoints.
	URL string
}

// Progress tracks how far a run has advanced. Totals are fixed when the
// run computes its remaining work; counters only grow while the run is
// alive. A resume starts a fresh run with fresh totals.
type Progress struct {
	// Current is the number of work items handled so far this run,
	// successes and permanent failures both.
	Current int
	// Total is the number of items this run set out to handle.
	Total int
	// CurrentChunk is the 1-based chunk being worked, 0 before the
	// first checkpoint.
	CurrentChunk int
	// TotalChunks is the number of chunks this run was split into.
	TotalChunks int
}

// Meta carries optional, caller-supplied context about an operation.
// Unknown keys ride along in Extra instead of loosening the record.
type Meta struct {
	// InitiatedBy names what started the operation (ui, cli, recovery).
	InitiatedBy string `json:"initiated_by,omitempty"`
	// RequestID correlates the operation with the request that created it.
	RequestID string `json:"request_id,omitempty"`
	// Note is free-form operator text.
	Note string `json:"note,omitempty"`
	// Extra holds unrecognized metadata keys verbatim.
	Extra map[string]string `json:"extra,omitempty"`
}

// Operation is the durable record of one long-running fetch-and-save
// job against a target.
type Operation struct {
	// ID is a UUIDv7, stable across restarts.
	ID string
	// Kind selects the executor handler.
	Kind Kind
	// TargetID, TargetName and TargetURL describe the resource being
	// operated on.
	TargetID   string
	TargetName string
	TargetURL  string
	// Status is owned by the lifecycle manager; nothing else writes it.
	Status Status
	// Progress is owned by the running executor, written through the
	// manager's checkpoint path.
	Progress Progress
	// WorkItems is the ordered id set fixed at creation. It never
	// mutates; remaining work is derived from the store, not tracked
	// here.
	WorkItems []string
	// FailedIDs collects ids that permanently failed during this run.
	FailedIDs []string
	// MaxItems caps how many of the remaining ids one run may process.
	// Zero means no cap.
	MaxItems int
	// Message is an advisory description of the latest known state.
	Message string
	// Meta is caller-supplied context.
	Meta Meta
	// StartedAt is when the operation was created.
	StartedAt time.Time
	// UpdatedAt is bumped on every status or progress write; staleness
	// detection keys off it.
	UpdatedAt time.Time
}

// Target returns the operation's target triple as a value.
func (o Operation) Target() Target {
	return Target{ID: o.TargetID, Name: o.TargetName, URL: o.TargetURL}
}

// Clone returns a deep copy so callers can hand records across
// goroutines without sharing the slices.
func (o Operation) Clone() Operation {
	c := o
	if o.WorkItems != nil {
		c.WorkItems = append([]string(nil), o.WorkItems...)
	}
	if o.FailedIDs != nil {
		c.FailedIDs = append([]string(nil), o.FailedIDs...)
	}
	if o.Meta.Extra != nil {
		c.Meta.Extra = make(map[string]string, len(o.Meta.Extra))
		for k, v := range o.Meta.Extra {
			c.Meta.Extra[k] = v
		}
	}
	return c
}

// Item is one fetched unit, persisted idempotently by id within its
// target. An index stub is an Item that has never had content fetched:
// FetchedAt is zero and Content is empty.
type Item struct {
	// ID is the item's identifier within its target, taken from the
	// target's id list.
	ID string
	// TargetID scopes the item.
	TargetID string
	// Title is the item's display title, when the source provides one.
	Title string
	// URL is the item's canonical location.
	URL string
	// UpdatedAt is the remote's last-modified stamp, zero when unknown.
	UpdatedAt time.Time
	// Content is the normalized body. Once a blob store persists it,
	// the row keeps only ContentHash and BlobURI.
	Content string
	// ContentHash is the hex SHA-256 of Content at fetch time.
	ContentHash string
	// BlobURI is where the body was stored, empty when inlined.
	BlobURI string
	// FetchedAt is when content was fetched; zero for index stubs.
	FetchedAt time.Time
}

// Stub reports whether the item is an index stub.
func (i Item) Stub() bool {
	return i.FetchedAt.IsZero()
}
