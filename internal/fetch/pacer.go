package fetch

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Pacer spaces requests per remote domain with a token bucket so the
// engine does not overwhelm a single proxy endpoint even when the
// executor fans a batch out concurrently.
type Pacer struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	logger       *zap.Logger
}

// NewPacer builds a pacer. rps <= 0 disables pacing; burst defaults
// to 1.
func NewPacer(rps float64, burst int, logger *zap.Logger) *Pacer {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pacer{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		logger:       logger,
	}
}

// Wait blocks until a token is available for the URL's domain,
// respecting the context.
func (p *Pacer) Wait(ctx context.Context, rawURL string) error {
	domain := domainOf(rawURL)

	p.mu.Lock()
	limiter, ok := p.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(p.defaultRate, p.defaultBurst)
		p.limiters[domain] = limiter
	}
	p.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		p.logger.Debug("paced request",
			zap.String("domain", domain),
			zap.Duration("waited", waited),
		)
	}
	return nil
}

// domainOf extracts the hostname used as the pacing and breaker key.
func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
