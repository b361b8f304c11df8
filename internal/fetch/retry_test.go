package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShouldRetryClassification(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, time.Millisecond, time.Second)

	require.False(t, p.ShouldRetry(nil, 1))
	require.True(t, p.ShouldRetry(&TransientError{URL: "http://x", StatusCode: 503}, 1))
	require.True(t, p.ShouldRetry(&RateLimitedError{URL: "http://x"}, 1))
	require.False(t, p.ShouldRetry(&NotFoundError{URL: "http://x", StatusCode: 404}, 1))
	require.False(t, p.ShouldRetry(&HTTPError{URL: "http://x", StatusCode: 403}, 1))
	require.False(t, p.ShouldRetry(&CircuitOpenError{Domain: "x"}, 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(context.DeadlineExceeded, 1))

	wrapped := &TransientError{URL: "http://x", Err: errors.New("reset")}
	require.True(t, p.ShouldRetry(wrapped, 2))
	require.False(t, p.ShouldRetry(wrapped, 3), "attempt cap reached")
}

func TestBackoffGrowsAndStaysBounded(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	maxDelay := time.Second
	p := NewExponentialRetryPolicy(10, base, maxDelay)

	// Backoff(n) = fixed/2 + jitter(0..fixed/2) where fixed doubles per
	// attempt until the cap, so the deterministic floor must grow until
	// it pins at maxDelay/2 and no sample may exceed maxDelay.
	prevFloor := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		fixed := base << (attempt - 1)
		if fixed > maxDelay {
			fixed = maxDelay
		}
		floor := fixed / 2

		for i := 0; i < 20; i++ {
			d := p.Backoff(attempt)
			require.GreaterOrEqual(t, d, floor, "attempt %d", attempt)
			require.LessOrEqual(t, d, maxDelay, "attempt %d", attempt)
		}
		require.GreaterOrEqual(t, floor, prevFloor)
		if prevFloor < maxDelay/2 {
			require.Greater(t, floor, prevFloor, "floor must strictly grow until the cap")
		}
		prevFloor = floor
	}
}

func TestPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(0, 0, 0)
	require.Equal(t, defaultMaxAttempts, p.MaxAttempts())
	require.True(t, p.ShouldRetry(&TransientError{URL: "http://x"}, 1))
	require.False(t, p.ShouldRetry(&TransientError{URL: "http://x"}, defaultMaxAttempts))
}
