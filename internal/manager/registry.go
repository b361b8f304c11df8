package manager

import (
	"context"
	"fmt"
	"sync"
)

// attempt is one registered executor run: the cancel that stops it and
// a channel closed once it gives the slot back.
type attempt struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// registry enforces at most one executor per operation id in this
// process. Pause and cancel reach a running executor through it, and a
// relaunch can wait for the previous attempt to drain.
type registry struct {
	mu       sync.Mutex
	attempts map[string]*attempt
	wg       sync.WaitGroup
}

func newRegistry() *registry {
	return &registry{attempts: make(map[string]*attempt)}
}

// acquire reserves id and returns the context its run must honor. ok is
// false while another attempt still holds the id.
func (r *registry) acquire(id string) (ctx context.Context, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.attempts[id]; exists {
		return nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.attempts[id] = &attempt{cancel: cancel, done: make(chan struct{})}
	r.wg.Add(1)
	return ctx, true
}

// release frees the slot after a run returns. Releasing an id that was
// never acquired is a no-op.
func (r *registry) release(id string) {
	r.mu.Lock()
	a, held := r.attempts[id]
	if held {
		delete(r.attempts, id)
	}
	r.mu.Unlock()
	if held {
		a.cancel()
		close(a.done)
		r.wg.Done()
	}
}

// stop cancels the run holding id without waiting for it to exit.
func (r *registry) stop(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[id]
	if ok {
		a.cancel()
	}
	return ok
}

// registered reports whether an executor currently holds id.
func (r *registry) registered(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.attempts[id]
	return ok
}

// done returns a channel that closes when the attempt holding id
// releases it. When nothing holds the id the channel is already closed.
func (r *registry) done(id string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.attempts[id]; ok {
		return a.done
	}
	return closedDone
}

// stopAll cancels every registered run.
func (r *registry) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.attempts {
		a.cancel()
	}
}

// wait blocks until every registered run releases its slot or ctx ends.
func (r *registry) wait(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain executors: %w", ctx.Err())
	}
}

var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
