// Package main hosts the fetch worker entrypoint.
//
// Architecture overview:
//   - Job intake: jobs arrive on the configured queue (in-memory, or a Pub/Sub subscription) or through
//     POST /v1/fetch on the ops server. Each dispatch message is validated into a fetch.Request before it is queued.
//   - Worker pool: internal/dispatcher runs a fixed number of workers sized by worker.concurrency. Each worker
//     dequeues one job at a time and hands it to the executor.
//   - Execution: internal/executor drives the attempt loop. It picks the static (colly) or dynamic (chromedp)
//     strategy, waits on the per-host rate limiter, classifies each failure and asks internal/retry for the next
//     delay. Configuration, selector and redirect-limit failures are never retried.
//   - Proxies: internal/proxy builds one transport per proxy endpoint for the static strategy. Browsers are launched
//     per proxy server and answer proxy auth challenges through the DevTools Fetch domain; credentials never reach
//     logs, flags or storage.
//   - Persistence & fanout: every terminal result is saved to the result store (memory or Postgres). Successful
//     bodies are hashed, uploaded to the blob store (memory/local/GCS) when configured, and a completion event is
//     published to Pub/Sub. A job is acked only after its result is saved.
//
// Operational notes:
//   - Shutdown: SIGINT/SIGTERM stops intake, lets in-flight jobs finish or hands them back to the queue, then closes
//     browsers, stores and clients.
//   - Observability: zap logs carry job IDs, attempts and retry reasons; Prometheus metrics are served on /metrics.
//
// Quick checklist:
//   - Configure env vars with the FETCHER_ prefix, e.g. FETCHER_WORKER_CONCURRENCY, FETCHER_QUEUE_PROVIDER,
//     FETCHER_STORAGE_POSTGRES_DSN, FETCHER_HEADLESS_ENABLED.
//   - Run the pool: go run ./cmd/fetchworker serve --config config.yaml
//   - Fetch once: go run ./cmd/fetchworker fetch https://example.com --mode dynamic --wait networkidle0
package main
