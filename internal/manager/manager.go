// Package manager owns the operation lifecycle: creation under the
// one-active-per-target-and-kind rule, pause, resume, cancel, terminal
// transitions with delayed pruning, and crash recovery. It is the only
// writer of operation status; executors report back through it.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shelfwatch/fetch-engine/internal/operation"
	"github.com/shelfwatch/fetch-engine/internal/progress"
	"github.com/shelfwatch/fetch-engine/internal/store"
)

const (
	// DefaultGraceWindow is how long a completed or failed record
	// lingers before pruning, long enough for a UI poll to show the
	// outcome.
	DefaultGraceWindow = 30 * time.Second
	// DefaultCompletedWindow bounds ListCompleted when the caller gives
	// no window.
	DefaultCompletedWindow = time.Hour
	// DefaultTopic is the broker topic lifecycle events are published to.
	DefaultTopic = "operation-events"
)

// Broker event names carried in LifecycleEvent.Event.
const (
	eventCreated   = "created"
	eventCompleted = "completed"
	eventFailed    = "failed"
)

// ErrInvalidSpec marks a create spec the manager refuses to mint an
// operation from.
var ErrInvalidSpec = errors.New("manager: invalid operation spec")

// Config tunes the manager.
type Config struct {
	// GraceWindow delays deletion of terminal records. Zero or negative
	// means DefaultGraceWindow.
	GraceWindow time.Duration
	// Topic names the broker topic for lifecycle events. Empty means
	// DefaultTopic.
	Topic string
}

func (c Config) withDefaults() Config {
	if c.GraceWindow <= 0 {
		c.GraceWindow = DefaultGraceWindow
	}
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	return c
}

// CreateSpec carries everything Create needs to mint an operation.
type CreateSpec struct {
	Kind      operation.Kind
	Target    operation.Target
	WorkItems []string
	MaxItems  int
	Meta      operation.Meta
}

// LifecycleEvent is the payload published to the broker when an
// operation is created or reaches a terminal state.
type LifecycleEvent struct {
	Event       string    `json:"event"`
	OperationID string    `json:"operation_id"`
	Kind        string    `json:"kind"`
	TargetID    string    `json:"target_id"`
	Message     string    `json:"message,omitempty"`
	TS          time.Time `json:"ts"`
}

// Manager coordinates operation records and the executors working on
// them. All status writes flow through it so the state machine holds
// even when pause, cancel and executor completion race.
type Manager struct {
	cfg       Config
	ops       store.OperationStore
	runner    operation.Runner
	ids       operation.IDGenerator
	clock     operation.Clock
	publisher operation.Publisher
	emitter   progress.Emitter
	logger    *zap.Logger

	mu       sync.Mutex
	registry *registry
}

var _ operation.Reporter = (*Manager)(nil)

// New constructs a Manager. publisher and emitter may be nil; a nil
// logger falls back to a no-op one.
func New(
	cfg Config,
	ops store.OperationStore,
	runner operation.Runner,
	ids operation.IDGenerator,
	clk operation.Clock,
	pub operation.Publisher,
	emitter progress.Emitter,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		ops:       ops,
		runner:    runner,
		ids:       ids,
		clock:     clk,
		publisher: pub,
		emitter:   emitter,
		logger:    logger,
		registry:  newRegistry(),
	}
}

// Create validates the spec, enforces the single-active rule for the
// target and kind, persists the record as running and launches its
// executor. Returns the persisted record.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (operation.Operation, error) {
	if !spec.Kind.Valid() {
		return operation.Operation{}, fmt.Errorf("%w: %q", operation.ErrUnknownKind, spec.Kind)
	}
	if spec.Target.ID == "" {
		return operation.Operation{}, fmt.Errorf("%w: target id is required", ErrInvalidSpec)
	}
	if spec.Target.URL == "" {
		return operation.Operation{}, fmt.Errorf("%w: target url is required", ErrInvalidSpec)
	}
	if spec.MaxItems < 0 {
		return operation.Operation{}, fmt.Errorf("%w: max items must not be negative", ErrInvalidSpec)
	}

	op, err := m.createLocked(ctx, spec)
	if err != nil {
		return operation.Operation{}, err
	}

	m.logger.Info("operation created",
		zap.String("operation_id", op.ID),
		zap.String("kind", string(op.Kind)),
		zap.String("target_id", op.TargetID),
		zap.Int("work_items", len(op.WorkItems)))
	m.emitStage(op, progress.StageCreated, op.Message, 0)
	m.publish(ctx, op, eventCreated, op.Message)
	return op.Clone(), nil
}

// createLocked holds the manager mutex across the duplicate check, the
// insert and the launch, so two racing creates cannot both pass the
// check.
func (m *Manager) createLocked(ctx context.Context, spec CreateSpec) (operation.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.ops.ListActive(ctx)
	if err != nil {
		return operation.Operation{}, fmt.Errorf("list active operations: %w", err)
	}
	for _, cur := range active {
		if cur.TargetID == spec.Target.ID && cur.Kind == spec.Kind {
			return operation.Operation{}, &operation.DuplicateError{
				TargetID:   spec.Target.ID,
				Kind:       spec.Kind,
				ExistingID: cur.ID,
			}
		}
	}

	id, err := m.ids.NewID()
	if err != nil {
		return operation.Operation{}, fmt.Errorf("mint operation id: %w", err)
	}
	now := m.clock.Now()
	op := operation.Operation{
		ID:         id,
		Kind:       spec.Kind,
		TargetID:   spec.Target.ID,
		TargetName: spec.Target.Name,
		TargetURL:  spec.Target.URL,
		Status:     operation.StatusRunning,
		WorkItems:  append([]string(nil), spec.WorkItems...),
		MaxItems:   spec.MaxItems,
		Message:    "operation created",
		Meta:       spec.Meta,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.ops.Create(ctx, op); err != nil {
		return operation.Operation{}, fmt.Errorf("persist operation: %w", err)
	}
	m.launch(op)
	return op, nil
}

// Pause stops the running executor at its next checkpoint and marks the
// record paused. Progress written so far is kept.
func (m *Manager) Pause(ctx context.Context, id string) (operation.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.ops.Get(ctx, id)
	if err != nil {
		return operation.Operation{}, err
	}
	if cur.Status != operation.StatusRunning {
		return operation.Operation{}, &operation.TransitionError{
			ID: id, From: cur.Status, To: operation.StatusPaused,
		}
	}
	if err := m.ops.UpdateStatus(ctx, id, operation.StatusPaused, "operation paused"); err != nil {
		return operation.Operation{}, fmt.Errorf("mark paused: %w", err)
	}
	m.registry.stop(id)

	updated, err := m.ops.Get(ctx, id)
	if err != nil {
		return operation.Operation{}, err
	}
	m.logger.Info("operation paused", zap.String("operation_id", id))
	m.emitStage(updated, progress.StagePaused, updated.Message, 0)
	return updated, nil
}

// Resume relaunches the executor for a paused operation. Counters are
// reset first so the fresh run's smaller totals are not clamped by the
// monotonic progress merge; finished work is safe because it lives in
// the item store, not the counters. Resuming an operation whose
// executor is still registered is a no-op, so a doubled resume cannot
// start a second run.
func (m *Manager) Resume(ctx context.Context, id string) (operation.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.ops.Get(ctx, id)
	if err != nil {
		return operation.Operation{}, err
	}
	switch cur.Status {
	case operation.StatusRunning:
		if m.registry.registered(id) {
			return cur, nil
		}
		// Record says running but no executor holds it, a crash
		// leftover. Relaunch below.
	case operation.StatusPaused:
	default:
		return operation.Operation{}, &operation.TransitionError{
			ID: id, From: cur.Status, To: operation.StatusRunning,
		}
	}

	if err := m.ops.ResetProgress(ctx, id); err != nil {
		return operation.Operation{}, fmt.Errorf("reset progress: %w", err)
	}
	if err := m.ops.UpdateStatus(ctx, id, operation.StatusRunning, "operation resumed"); err != nil {
		return operation.Operation{}, fmt.Errorf("mark running: %w", err)
	}
	updated, err := m.ops.Get(ctx, id)
	if err != nil {
		return operation.Operation{}, err
	}
	if !m.launch(updated) {
		// The paused executor is still draining its final batch. Hand
		// the relaunch to a waiter so this call stays non-blocking.
		m.relaunchWhenReleased(id)
	}
	m.logger.Info("operation resumed", zap.String("operation_id", id))
	m.emitStage(updated, progress.StageResumed, updated.Message, 0)
	return updated, nil
}

// Cancel stops any executor for id immediately and deletes the record
// outright, whatever its status. Cancelling an id that no longer exists
// is a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.registry.stop(id)
	cur, err := m.ops.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := m.ops.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete operation: %w", err)
	}
	m.logger.Info("operation cancelled",
		zap.String("operation_id", id),
		zap.String("kind", string(cur.Kind)),
		zap.String("target_id", cur.TargetID))
	m.emitStage(cur, progress.StageCancelled, "operation cancelled", 0)
	return nil
}

// Complete marks the operation completed and schedules its record for
// pruning after the grace window.
func (m *Manager) Complete(ctx context.Context, id string, message string) error {
	return m.finish(ctx, id, operation.StatusCompleted, message)
}

// Fail marks the operation failed and schedules its record for pruning
// after the grace window.
func (m *Manager) Fail(ctx context.Context, id string, message string) error {
	return m.finish(ctx, id, operation.StatusFailed, message)
}

func (m *Manager) finish(ctx context.Context, id string, status operation.Status, message string) error {
	cur, err := m.finishLocked(ctx, id, status, message)
	if err != nil {
		return err
	}
	m.schedulePrune(id)

	stage, event := progress.StageCompleted, eventCompleted
	if status == operation.StatusFailed {
		stage, event = progress.StageFailed, eventFailed
	}
	dur := m.clock.Now().Sub(cur.StartedAt)
	if dur < 0 {
		dur = 0
	}
	m.logger.Info("operation finished",
		zap.String("operation_id", id),
		zap.String("status", string(status)),
		zap.Duration("dur", dur),
		zap.String("message", cur.Message))
	m.emitStage(cur, stage, cur.Message, dur)
	m.publish(ctx, cur, event, cur.Message)
	return nil
}

func (m *Manager) finishLocked(ctx context.Context, id string, status operation.Status, message string) (operation.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.ops.Get(ctx, id)
	if err != nil {
		return operation.Operation{}, err
	}
	if !cur.Status.Active() {
		return operation.Operation{}, &operation.TransitionError{ID: id, From: cur.Status, To: status}
	}
	if err := m.ops.UpdateStatus(ctx, id, status, message); err != nil {
		return operation.Operation{}, err
	}
	cur.Status = status
	if message != "" {
		cur.Message = message
	}
	return cur, nil
}

// UpdateProgress persists a checkpoint. A missing record propagates as
// store.ErrNotFound so a cancelled operation is never resurrected.
func (m *Manager) UpdateProgress(ctx context.Context, id string, p operation.Progress, message string, failedIDs []string) error {
	return m.ops.UpdateProgress(ctx, id, p, message, failedIDs)
}

// Get loads one operation record.
func (m *Manager) Get(ctx context.Context, id string) (operation.Operation, error) {
	return m.ops.Get(ctx, id)
}

// ListActive returns running and paused operations, oldest first.
func (m *Manager) ListActive(ctx context.Context) ([]operation.Operation, error) {
	return m.ops.ListActive(ctx)
}

// ListCompleted returns terminal operations whose last update falls
// inside the window. A zero or negative window means
// DefaultCompletedWindow.
func (m *Manager) ListCompleted(ctx context.Context, window time.Duration) ([]operation.Operation, error) {
	if window <= 0 {
		window = DefaultCompletedWindow
	}
	return m.ops.ListCompleted(ctx, m.clock.Now().Add(-window))
}

// Recover relaunches executors for operations persisted as running, so
// work interrupted by a crash or restart picks back up on start. Paused
// operations stay paused until an explicit resume.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.ops.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active operations: %w", err)
	}
	relaunched := 0
	for _, op := range active {
		if op.Status != operation.StatusRunning || m.registry.registered(op.ID) {
			continue
		}
		if err := m.ops.ResetProgress(ctx, op.ID); err != nil {
			m.logger.Warn("reset progress before recovery",
				zap.String("operation_id", op.ID), zap.Error(err))
			continue
		}
		op.Progress = operation.Progress{}
		op.FailedIDs = nil
		m.launch(op)
		m.emitStage(op, progress.StageResumed, "recovered after restart", 0)
		relaunched++
	}
	if relaunched > 0 {
		m.logger.Info("operations recovered", zap.Int("count", relaunched))
	}
	return relaunched, nil
}

// Shutdown cancels every running executor and waits for them to return,
// or gives up when ctx ends. Records keep their status; running ones
// are picked up by Recover on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.registry.stopAll()
	return m.registry.wait(ctx)
}

// launch starts the executor goroutine for op unless an attempt already
// holds the id.
func (m *Manager) launch(op operation.Operation) bool {
	runCtx, ok := m.registry.acquire(op.ID)
	if !ok {
		return false
	}
	run := op.Clone()
	go func() {
		defer m.registry.release(run.ID)
		m.runner.Run(runCtx, run, m)
	}()
	return true
}

// relaunchWhenReleased waits for the attempt holding id to drain, then
// launches a fresh executor if the record still says running.
func (m *Manager) relaunchWhenReleased(id string) {
	released := m.registry.done(id)
	go func() {
		<-released
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, err := m.ops.Get(context.Background(), id)
		if err != nil || cur.Status != operation.StatusRunning {
			return
		}
		m.launch(cur)
	}()
}

// schedulePrune deletes the record after the grace window, leaving time
// for a UI poll to show the outcome first.
func (m *Manager) schedulePrune(id string) {
	time.AfterFunc(m.cfg.GraceWindow, func() {
		if err := m.ops.Delete(context.Background(), id); err != nil {
			m.logger.Warn("prune terminal operation",
				zap.String("operation_id", id), zap.Error(err))
		}
	})
}

func (m *Manager) emitStage(op operation.Operation, stage progress.Stage, note string, dur time.Duration) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(progress.Event{
		OperationID: op.ID,
		Kind:        op.Kind,
		TargetID:    op.TargetID,
		TS:          m.clock.Now(),
		Stage:       stage,
		Current:     op.Progress.Current,
		Total:       op.Progress.Total,
		Dur:         dur,
		Note:        note,
	})
}

// publish sends a lifecycle event to the broker. Failures are logged,
// never surfaced; the record itself is already persisted.
func (m *Manager) publish(ctx context.Context, op operation.Operation, event, message string) {
	if m.publisher == nil {
		return
	}
	payload := LifecycleEvent{
		Event:       event,
		OperationID: op.ID,
		Kind:        string(op.Kind),
		TargetID:    op.TargetID,
		Message:     message,
		TS:          m.clock.Now().UTC(),
	}
	if _, err := m.publisher.Publish(ctx, m.cfg.Topic, payload); err != nil {
		m.logger.Warn("lifecycle event publish failed",
			zap.String("operation_id", op.ID),
			zap.String("event", event),
			zap.Error(err))
	}
}
