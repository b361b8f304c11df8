// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/operations to start a fetch or index operation.
//   - GET /v1/operations and /v1/operations/{id} for progress polling.
//   - POST /v1/operations/{id}/pause, /resume, /cancel for lifecycle
//     control.
package api
