package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/shelfwatch/fetch-engine/internal/operation"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageCreated   Stage = "OP_CREATED"
	StageProgress  Stage = "OP_PROGRESS"
	StagePaused    Stage = "OP_PAUSED"
	StageResumed   Stage = "OP_RESUMED"
	StageCancelled Stage = "OP_CANCELLED"
	StageCompleted Stage = "OP_COMPLETED"
	StageFailed    Stage = "OP_FAILED"
	StageBatchDone Stage = "BATCH_DONE"
)

// Event captures a single milestone of an operation's life.
type Event struct {
	// OperationID identifies the operation run that produced the event.
	OperationID string
	// Kind mirrors the operation's kind so sinks can partition by it.
	Kind operation.Kind
	// TargetID scopes the event to the remote target being worked.
	TargetID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or batch milestone occurred.
	Stage Stage
	// Current and Total snapshot the operation's progress counters.
	Current int
	Total   int
	// Saved, Failed, and Skipped carry per-batch item outcomes.
	Saved   int
	Failed  int
	Skipped int
	// Dur captures execution latency for batches and terminal stages.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.OperationID == "" {
		return errors.New("operation id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCreated, StagePaused, StageResumed, StageCancelled,
		StageCompleted, StageFailed:
	case StageProgress:
		if e.Current < 0 || e.Total < 0 {
			return errors.New("progress counters must be >= 0")
		}
	case StageBatchDone:
		if e.Saved < 0 || e.Failed < 0 || e.Skipped < 0 {
			return errors.New("batch counters must be >= 0")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the stage ends the operation's run.
func (e Event) Terminal() bool {
	switch e.Stage {
	case StageCancelled, StageCompleted, StageFailed:
		return true
	default:
		return false
	}
}
