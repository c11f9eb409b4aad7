// Package api hosts the operator HTTP surface of the fetch worker:
//   - GET /healthz and /readyz for probes (readiness follows the worker pool).
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/fetch to enqueue a dispatch message for local testing.
//   - GET /v1/results/{job_id} to read a stored result.
package api
