package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfwatch/fetch-engine/internal/clock/system"
	"github.com/shelfwatch/fetch-engine/internal/id/uuid"
	"github.com/shelfwatch/fetch-engine/internal/operation"
	"github.com/shelfwatch/fetch-engine/internal/progress"
	pubmem "github.com/shelfwatch/fetch-engine/internal/publisher/memory"
	memstore "github.com/shelfwatch/fetch-engine/internal/storage/memory"
	"github.com/shelfwatch/fetch-engine/internal/store"
)

// scriptedRunner stands in for the executor. A run blocks until its
// context is cancelled unless onRun overrides the behavior; exits, when
// set, delays the return past cancellation so drain races are testable.
type scriptedRunner struct {
	mu      sync.Mutex
	started []string
	exits   chan struct{}
	onRun   func(ctx context.Context, op operation.Operation, rep operation.Reporter)
}

func (r *scriptedRunner) Run(ctx context.Context, op operation.Operation, rep operation.Reporter) {
	r.mu.Lock()
	r.started = append(r.started, op.ID)
	exits := r.exits
	onRun := r.onRun
	r.mu.Unlock()
	if onRun != nil {
		onRun(ctx, op, rep)
		return
	}
	<-ctx.Done()
	if exits != nil {
		<-exits
	}
}

func (r *scriptedRunner) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

func (r *scriptedRunner) startedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) byStage(stage progress.Stage) []progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []progress.Event
	for _, evt := range c.events {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}

type rig struct {
	ops     *memstore.OperationStore
	runner  *scriptedRunner
	pub     *pubmem.Publisher
	emitter *captureEmitter
	mgr     *Manager
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	r := &rig{
		ops:     memstore.NewOperationStore(),
		runner:  &scriptedRunner{},
		pub:     pubmem.New(),
		emitter: &captureEmitter{},
	}
	r.mgr = New(cfg, r.ops, r.runner, uuid.New(), system.New(), r.pub, r.emitter, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.mgr.Shutdown(ctx)
	})
	return r
}

func fetchSpec(targetID string) CreateSpec {
	return CreateSpec{
		Kind: operation.KindFetchItems,
		Target: operation.Target{
			ID:   targetID,
			Name: "Target " + targetID,
			URL:  "https://proxy.example/" + targetID,
		},
		WorkItems: []string{"item-0001", "item-0002", "item-0003"},
	}
}

func (r *rig) brokerEvents(event string) []LifecycleEvent {
	var out []LifecycleEvent
	for _, msg := range r.pub.Messages() {
		if evt, ok := msg.Payload.(LifecycleEvent); ok && evt.Event == event {
			out = append(out, evt)
		}
	}
	return out
}

func TestCreatePersistsAndLaunches(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})
	ctx := context.Background()

	op, err := r.mgr.Create(ctx, fetchSpec("tgt-1"))
	require.NoError(t, err)
	require.NotEmpty(t, op.ID)
	require.Equal(t, operation.StatusRunning, op.Status)

	stored, err := r.mgr.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"item-0001", "item-0002", "item-0003"}, stored.WorkItems)
	require.Equal(t, "tgt-1", stored.TargetID)

	require.Eventually(t, func() bool {
		return r.runner.startCount() == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{op.ID}, r.runner.startedIDs())

	created := r.emitter.byStage(progress.StageCreated)
	require.Len(t, created, 1)
	require.Equal(t, op.ID, created[0].OperationID)
	require.Equal(t, operation.KindFetchItems, created[0].Kind)

	events := r.brokerEvents(eventCreated)
	require.Len(t, events, 1)
	require.Equal(t, op.ID, events[0].OperationID)
	require.Equal(t, DefaultTopic, r.pub.Messages()[0].Topic)
}

func TestCreateValidatesSpec(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})

	cases := []struct {
		name    string
		mutate  func(*CreateSpec)
		wantErr error
	}{
		{"unknown kind", func(s *CreateSpec) { s.Kind = "prune-shelves" }, operation.ErrUnknownKind},
		{"missing target id", func(s *CreateSpec) { s.Target.ID = "" }, ErrInvalidSpec},
		{"missing target url", func(s *CreateSpec) { s.Target.URL = "" }, ErrInvalidSpec},
		{"negative max items", func(s *CreateSpec) { s.MaxItems = -1 }, ErrInvalidSpec},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := fetchSpec("tgt-1")
			tc.mutate(&spec)
			_, err := r.mgr.Create(context.Background(), spec)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
	require.Zero(t, r.runner.startCount())
}

func TestCreateRejectsActiveDuplicate(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})
	ctx := context.Background()

	first, err := r.mgr.Create(ctx, fetchSpec("tgt-1"))
	require.NoError(t, err)

	_, err = r.mgr.Create(ctx, fetchSpec("tgt-1"))
	var dup *operation.DuplicateError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, "tgt-1", dup.TargetID)
	require.Equal(t, operation.KindFetchItems, dup.Kind)
	require.Equal(t, first.ID, dup.ExistingID)

	// a paused record still counts as active
	_, err = r.mgr.Pause(ctx, first.ID)
	require.NoError(t, err)
	_, err = r.mgr.Create(ctx, fetchSpec("tgt-1"))
	require.ErrorAs(t, err, &dup)

	// another kind or another target is fine
	indexSpec := fetchSpec("tgt-1")
	indexSpec.Kind = operation.KindUpdateIndex
	_, err = r.mgr.Create(ctx, indexSpec)
	require.NoError(t, err)
	_, err = r.mgr.Create(ctx, fetchSpec("tgt-2"))
	require.NoError(t, err)
}

func TestCreateConcurrentDuplicates(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = r.mgr.Create(context.Background(), fetchSpec("tgt-1"))
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		var dup *operation.DuplicateError
		require.ErrorAs(t, err, &dup)
	}
	require.Equal(t, 1, created)

	active, err := r.mgr.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestPauseStopsExecutorAndKeepsProgress(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})
	ctx := context.Background()

	op, err := r.mgr.Create(ctx, fetchSpec("tgt-1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return r.runner.startCount() == 1
	}, time.Second, 10*time.Millisecond)

	p := operation.Progress{Current: 30, Total: 100, CurrentChunk: 1, TotalChunks: 4}
	require.NoError(t, r.mgr.UpdateProgress(ctx, op.ID, p, "", nil))

	paused, err := r.mgr.Pause(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, operation.StatusPaused, paused.Status)
	require.Equal(t, 30, paused.Progress.Current)
	require.Equal(t, 100, paused.Progress.Total)

	// cancelled run context lets the executor goroutine drain out
	require.Eventually(t, func() bool {
		return !r.mgr.registry.registered(op.ID)
	}, time.Second, 10*time.Millisecond)

	require.Len(t, r.emitter.byStage(progress.StagePaused), 1)

	_, err = r.mgr.Pause(ctx, op.ID)
	var trans *operation.TransitionError
	require.ErrorAs(t, err, &trans)
	require.Equal(t, operation.StatusPaused, trans.From)
}

func TestResumeResetsProgressAndRelaunches(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})
	ctx := context.Background()

	op, err := r.mgr.Create(ctx, fetchSpec("tgt-1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return r.runner.startCount() == 1
	}, time.Second, 10*time.Millisecond)

	p := operation.Progress{Current: 30, Total: 100, CurrentChunk: 2, TotalChunks: 4}
	require.NoError(t, r.mgr.UpdateProgress(ctx, op.ID, p, "", []string{"item-0002"}))

	_, err = r.mgr.Pause(ctx, op.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return !r.mgr.registry.registered(op.ID)
	}, time.Second, 10*time.Millisecond)

	resumed, err := r.mgr.Resume(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, operation.StatusRunning, resumed.Status)
	require.Zero(t, resumed.Progress.Current)
	require.Zero(t, resumed.Progress.Total)
	require.Empty(t, resumed.FailedIDs)

	require.Eventually(t, func() bool {
		return r.runner.startCount() == 2
	}, time.Second, 10*time.Millisecond)
	require.Len(t, r.emitter.byStage(progress.StageResumed), 1)
}

func TestResumeWhileExecutorStillDraining(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})
	r.runner.exits = make(chan struct{})
	ctx := context.Background()

	op, err := r.mgr.Create(ctx, fetchSpec("tgt-1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return r.runner.startCount() == 1
	}, time.Second, 10*time.Millisecond)

	_, err = r.mgr.Pause(ctx, op.ID)
	require.NoError(t, err)

	// the old run has not released its slot yet
	resumed, err := r.mgr.Resume(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, operation.StatusRunning, resumed.Status)
	require.Equal(t, 1, r.runner.startCount())

	close(r.runner.exits)
	require.Eventually(t, func() bool {
		return r.runner.startCount() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestResumeDuplicateIsNoOp(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})
	ctx := context.Background()

	op, err := r.mgr.Create(ctx, fetchSpec("tgt-1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return r.runner.startCount() == 1
	}, time.Second, 10*time.Millisecond)

	again, err := r.mgr.Resume(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, operation.StatusRunning, again.Status)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, r.runner.startCount())
	require.Empty(t, r.emitter.byStage(progress.StageResumed))
}

func TestResumeRelaunchesCrashLeftover(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})
	ctx := context.Background()

	// record persisted as running with no executor holding it, the
	// state a crash leaves behind
	seed := operation.Operation{
		ID:        "op-orphan",
		Kind:      operation.KindFetchItems,
		TargetID:  "tgt-1",
		TargetURL: "https://proxy.example/tgt-1",
		Status:    operation.StatusRunning,
		WorkItems: []string{"item-0001"},
		Progress:  operation.Progress{Current: 12, Total: 40},
		StartedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, r.ops.Create(ctx, seed))

	resumed, err := r.mgr.Resume(ctx, "op-orphan")
	require.NoError(t, err)
	require.Equal(t, operation.StatusRunning, resumed.Status)
	require.Zero(t, resumed.Progress.Current)

	require.Eventually(t, func() bool {
		return r.runner.startCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestResumeRejectsTerminalAndMissing(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})
	ctx := context.Background()

	seed := operation.Operation{
		ID:        "op-done",
		Kind:      operation.KindFetchItems,
		TargetID:  "tgt-1",
		Status:    operation.StatusCompleted,
		StartedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, r.ops.Create(ctx, seed))

	_, err := r.mgr.Resume(ctx, "op-done")
	var trans *operation.TransitionError
	require.ErrorAs(t, err, &trans)
	require.Equal(t, operation.StatusCompleted, trans.From)

	_, err = r.mgr.Resume(ctx, "op-ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelDeletesRecordAndStopsRun(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})
	ctx := context.Background()

	op, err := r.mgr.Create(ctx, fetchSpec("tgt-1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return r.runner.startCount() == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, r.mgr.Cancel(ctx, op.ID))

	_, err = r.mgr.Get(ctx, op.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Eventually(t, func() bool {
		return !r.mgr.registry.registered(op.ID)
	}, time.Second, 10*time.Millisecond)
	require.Len(t, r.emitter.byStage(progress.StageCancelled), 1)

	// cancelling again is a silent no-op
	require.NoError(t, r.mgr.Cancel(ctx, op.ID))
	require.Len(t, r.emitter.byStage(progress.StageCancelled), 1)
}

func TestCancelWorksOnPausedRecord(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})
	ctx := context.Background()

	op, err := r.mgr.Create(ctx, fetchSpec("tgt-1"))
	require.NoError(t, err)
	_, err = r.mgr.Pause(ctx, op.ID)
	require.NoError(t, err)

	require.NoError(t, r.mgr.Cancel(ctx, op.ID))
	_, err = r.mgr.Get(ctx, op.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompleteSchedulesPruneAndPublishes(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{GraceWindow: 30 * time.Millisecond})
	ctx := context.Background()

	r.runner.onRun = func(ctx context.Context, op operation.Operation, rep operation.Reporter) {
		p := operation.Progress{Current: 3, Total: 3, CurrentChunk: 1, TotalChunks: 1}
		assert.NoError(t, rep.UpdateProgress(ctx, op.ID, p, "", nil))
		assert.NoError(t, rep.Complete(ctx, op.ID, "store holds 3 items"))
	}

	op, err := r.mgr.Create(ctx, fetchSpec("tgt-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur, err := r.mgr.Get(ctx, op.ID)
		return err == nil && cur.Status == operation.StatusCompleted
	}, time.Second, 10*time.Millisecond)

	// pruned after the grace window
	require.Eventually(t, func() bool {
		_, err := r.mgr.Get(ctx, op.ID)
		return errors.Is(err, store.ErrNotFound)
	}, time.Second, 10*time.Millisecond)

	completed := r.emitter.byStage(progress.StageCompleted)
	require.Len(t, completed, 1)
	require.Equal(t, "store holds 3 items", completed[0].Note)
	require.Equal(t, 3, completed[0].Current)
	require.GreaterOrEqual(t, completed[0].Dur, time.Duration(0))

	events := r.brokerEvents(eventCompleted)
	require.Len(t, events, 1)
	require.Equal(t, "store holds 3 items", events[0].Message)
}

func TestFailMarksRecordAndPublishes(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{GraceWindow: time.Hour})
	ctx := context.Background()

	r.runner.onRun = func(ctx context.Context, op operation.Operation, rep operation.Reporter) {
		assert.NoError(t, rep.Fail(ctx, op.ID, "target endpoint gone"))
	}

	op, err := r.mgr.Create(ctx, fetchSpec("tgt-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur, err := r.mgr.Get(ctx, op.ID)
		return err == nil && cur.Status == operation.StatusFailed
	}, time.Second, 10*time.Millisecond)

	require.Len(t, r.emitter.byStage(progress.StageFailed), 1)
	require.Len(t, r.brokerEvents(eventFailed), 1)

	// terminal records refuse further transitions
	err = r.mgr.Complete(ctx, op.ID, "late completion")
	var trans *operation.TransitionError
	require.ErrorAs(t, err, &trans)
	require.Equal(t, operation.StatusFailed, trans.From)
}

func TestUpdateProgressPropagatesNotFound(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})

	err := r.mgr.UpdateProgress(context.Background(), "op-ghost", operation.Progress{Current: 1}, "", nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecoverRelaunchesRunningOnly(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})
	ctx := context.Background()

	now := time.Now().UTC()
	running := operation.Operation{
		ID: "op-running", Kind: operation.KindFetchItems, TargetID: "tgt-1",
		Status:    operation.StatusRunning,
		Progress:  operation.Progress{Current: 40, Total: 100},
		StartedAt: now, UpdatedAt: now,
	}
	paused := operation.Operation{
		ID: "op-paused", Kind: operation.KindFetchItems, TargetID: "tgt-2",
		Status:    operation.StatusPaused,
		StartedAt: now, UpdatedAt: now,
	}
	require.NoError(t, r.ops.Create(ctx, running))
	require.NoError(t, r.ops.Create(ctx, paused))

	n, err := r.mgr.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		return r.runner.startCount() == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"op-running"}, r.runner.startedIDs())

	// counters were reset so the fresh run's totals stick
	cur, err := r.mgr.Get(ctx, "op-running")
	require.NoError(t, err)
	require.Zero(t, cur.Progress.Current)

	still, err := r.mgr.Get(ctx, "op-paused")
	require.NoError(t, err)
	require.Equal(t, operation.StatusPaused, still.Status)

	// a second pass finds nothing to do while the executor holds the slot
	n, err = r.mgr.Recover(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestListCompletedWindow(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{GraceWindow: time.Hour})
	ctx := context.Background()

	now := time.Now().UTC()
	seed := operation.Operation{
		ID: "op-1", Kind: operation.KindFetchItems, TargetID: "tgt-1",
		Status:    operation.StatusRunning,
		StartedAt: now, UpdatedAt: now,
	}
	require.NoError(t, r.ops.Create(ctx, seed))
	require.NoError(t, r.mgr.Complete(ctx, "op-1", "store holds 9 items"))

	out, err := r.mgr.ListCompleted(ctx, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, operation.StatusCompleted, out[0].Status)

	time.Sleep(5 * time.Millisecond)
	out, err = r.mgr.ListCompleted(ctx, time.Nanosecond)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestShutdownStopsRunsAndKeepsRecords(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})
	ctx := context.Background()

	op1, err := r.mgr.Create(ctx, fetchSpec("tgt-1"))
	require.NoError(t, err)
	op2, err := r.mgr.Create(ctx, fetchSpec("tgt-2"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return r.runner.startCount() == 2
	}, time.Second, 10*time.Millisecond)

	drainCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, r.mgr.Shutdown(drainCtx))

	// records stay running so the next start can recover them
	for _, id := range []string{op1.ID, op2.ID} {
		cur, err := r.mgr.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, operation.StatusRunning, cur.Status)
	}
}
