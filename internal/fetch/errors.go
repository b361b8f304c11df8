package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// TransientError marks a failure worth retrying: timeouts, 5xx answers,
// connection resets, and other conditions expected to clear on their
// own.
type TransientError struct {
	URL        string
	StatusCode int // zero when the failure happened below HTTP
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch: transient %d from %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("fetch: transient error for %s: %v", e.URL, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitedError marks a 429 answer. Retryable, and counted toward
// the domain's circuit breaker rather than silently retried forever.
type RateLimitedError struct {
	URL        string
	RetryAfter time.Duration // zero when the server gave no hint
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("fetch: rate limited by %s", e.URL)
}

// NotFoundError marks structural absence (404/410): the item does not
// exist remotely. Non-retryable; the executor records the id as
// permanently failed without aborting the operation.
type NotFoundError struct {
	URL        string
	StatusCode int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("fetch: %d not found: %s", e.StatusCode, e.URL)
}

// HTTPError marks any other non-retryable HTTP answer (4xx class).
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetch: unexpected status %d from %s", e.StatusCode, e.URL)
}

// CircuitOpenError is returned without a network attempt while a
// domain's breaker is open.
type CircuitOpenError struct {
	Domain string
	Until  time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("fetch: circuit open for %s until %s", e.Domain, e.Until.UTC().Format(time.RFC3339))
}

// Retryable reports whether the client may retry after err.
// Cancellation is control flow and never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var (
		transient *TransientError
		limited   *RateLimitedError
	)
	return errors.As(err, &transient) || errors.As(err, &limited)
}

// NotFound reports whether err is item-level structural absence.
func NotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// CircuitOpen reports whether err came from an open breaker.
func CircuitOpen(err error) bool {
	var co *CircuitOpenError
	return errors.As(err, &co)
}

// classify maps a transport outcome onto the error taxonomy. status is
// zero when the request never produced an HTTP answer.
func classify(url string, status int, retryAfter time.Duration, err error) error {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return &NotFoundError{URL: url, StatusCode: status}
	case status == http.StatusTooManyRequests:
		return &RateLimitedError{URL: url, RetryAfter: retryAfter}
	case status == http.StatusRequestTimeout || status >= 500:
		return &TransientError{URL: url, StatusCode: status, Err: err}
	case status >= 400:
		return &HTTPError{URL: url, StatusCode: status}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &TransientError{URL: url, Err: err}
	}
}
