// Package fetch performs single remote reads with bounded retries,
// jittered exponential backoff, per-domain request pacing, and a
// per-domain circuit breaker. It deliberately does not limit
// concurrency: the executor bounds concurrent fetches by batch size so
// retry behavior stays independent of call-site fan-out.
package fetch
