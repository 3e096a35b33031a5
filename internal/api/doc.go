// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/jobs and /api/jobs/{job_id} for progress reporting via the
//     ProgressRepository interface.
//   - POST /api/jobs to submit a bulk row import.
package api
