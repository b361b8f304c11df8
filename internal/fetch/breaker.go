package fetch

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 2 * time.Minute
)

// Clock returns the current time; injected so breaker tests control it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Breaker is a per-domain circuit breaker. After a run of consecutive
// failures for one domain it opens: calls to that domain fail fast
// without touching the network until the cooldown elapses, at which
// point the breaker closes again with a clean counter. Any success
// resets the counter immediately.
type Breaker struct {
	mu        sync.Mutex
	domains   map[string]*breakerState
	threshold int
	cooldown  time.Duration
	clock     Clock
	logger    *zap.Logger
}

type breakerState struct {
	failures  int
	openUntil time.Time
}

// NewBreaker builds a breaker, substituting defaults for zero values.
// A nil clock means wall time; a nil logger means no logging.
func NewBreaker(threshold int, cooldown time.Duration, clock Clock, logger *zap.Logger) *Breaker {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		domains:   make(map[string]*breakerState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock,
		logger:    logger,
	}
}

// Allow reports whether a call to the domain may proceed. While the
// breaker is open it returns a CircuitOpenError; once the cooldown has
// elapsed it closes the breaker, resets the counter, and lets the call
// through.
func (b *Breaker) Allow(domain string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.domains[domain]
	if !ok || state.openUntil.IsZero() {
		return nil
	}
	now := b.clock.Now()
	if now.Before(state.openUntil) {
		return &CircuitOpenError{Domain: domain, Until: state.openUntil}
	}
	b.logger.Info("circuit closed after cooldown", zap.String("domain", domain))
	delete(b.domains, domain)
	return nil
}

// RecordSuccess resets the domain's consecutive-failure counter.
func (b *Breaker) RecordSuccess(domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.domains, domain)
}

// RecordFailure counts one failure; hitting the threshold opens the
// breaker for the cooldown window.
func (b *Breaker) RecordFailure(domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.domains[domain]
	if !ok {
		state = &breakerState{}
		b.domains[domain] = state
	}
	if !state.openUntil.IsZero() {
		return
	}
	state.failures++
	if state.failures >= b.threshold {
		state.openUntil = b.clock.Now().Add(b.cooldown)
		b.logger.Warn("circuit opened",
			zap.String("domain", domain),
			zap.Int("consecutive_failures", state.failures),
			zap.Time("until", state.openUntil),
		)
	}
}

// Failures returns the domain's current consecutive-failure count.
func (b *Breaker) Failures(domain string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state, ok := b.domains[domain]; ok {
		return state.failures
	}
	return 0
}
