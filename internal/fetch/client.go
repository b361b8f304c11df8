package fetch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Config controls the client's transport, retry, breaker, and pacing
// behavior. Zero values fall back to package defaults.
type Config struct {
	UserAgent        string
	Timeout          time.Duration
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	RateRPS          float64
	RateBurst        int
}

// Client is the engine's only road to the network: one URL in, one
// response out, with pacing, retries, and the per-domain circuit
// breaker applied in that order.
type Client struct {
	doer    Doer
	policy  *ExponentialRetryPolicy
	breaker *Breaker
	pacer   *Pacer
	logger  *zap.Logger
}

// New builds a Client on the colly transport.
func New(cfg Config, logger *zap.Logger) *Client {
	transport := NewTransport(TransportConfig{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.Timeout,
	})
	return NewWithDoer(cfg, transport, logger)
}

// NewWithDoer builds a Client around a custom transport; tests inject
// stubs here.
func NewWithDoer(cfg Config, doer Doer, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		doer:    doer,
		policy:  NewExponentialRetryPolicy(cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffMax),
		breaker: NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, nil, logger),
		pacer:   NewPacer(cfg.RateRPS, cfg.RateBurst, logger),
		logger:  logger,
	}
}

// Fetch performs one remote read. Non-retryable errors fail
// immediately; retryable ones back off and try again until the attempt
// cap. While the URL's domain has its breaker open the call fails fast
// with a CircuitOpenError and no network attempt.
func (c *Client) Fetch(ctx context.Context, url string) (Response, error) {
	domain := domainOf(url)
	for attempt := 1; ; attempt++ {
		if err := c.breaker.Allow(domain); err != nil {
			return Response{}, err
		}
		if err := c.pacer.Wait(ctx, url); err != nil {
			return Response{}, err
		}

		resp, err := c.doer.Do(ctx, url)
		if err == nil {
			c.breaker.RecordSuccess(domain)
			return resp, nil
		}
		c.record(domain, err)

		if !c.policy.ShouldRetry(err, attempt) {
			return Response{}, err
		}
		wait := c.policy.Backoff(attempt)
		var limited *RateLimitedError
		if errors.As(err, &limited) && limited.RetryAfter > wait {
			wait = limited.RetryAfter
		}
		c.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// record feeds the breaker. Transient and rate-limited answers count as
// domain failures; structural answers (404, other 4xx) prove the domain
// is reachable and reset the counter.
func (c *Client) record(domain string, err error) {
	var httpErr *HTTPError
	switch {
	case Retryable(err):
		c.breaker.RecordFailure(domain)
	case NotFound(err), errors.As(err, &httpErr):
		c.breaker.RecordSuccess(domain)
	}
}

// Breaker exposes the client's breaker for health inspection.
func (c *Client) Breaker() *Breaker { return c.breaker }
