// Package worker consumes fetch jobs, runs them to a terminal result and
// records the outcome.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-engine/internal/fetch"
	"github.com/JakeFAU/fetch-engine/internal/metrics"
)

// Dequeue failures other than shutdown back off between these bounds.
const (
	minDequeueBackoff = 50 * time.Millisecond
	maxDequeueBackoff = 5 * time.Second
)

// Config controls Worker behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
	Topic       string
}

// Worker consumes queue items and executes the fetch pipeline.
type Worker struct {
	queue     fetch.Queue
	executor  fetch.Executor
	results   fetch.ResultStore
	blobStore fetch.BlobStore
	publisher fetch.Publisher
	hasher    fetch.Hasher
	clock     fetch.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. blobStore and publisher are optional.
func New(
	queue fetch.Queue,
	executor fetch.Executor,
	results fetch.ResultStore,
	blobStore fetch.BlobStore,
	publisher fetch.Publisher,
	hasher fetch.Hasher,
	clock fetch.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	return &Worker{
		queue:     queue,
		executor:  executor,
		results:   results,
		blobStore: blobStore,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	backoff := minDequeueBackoff
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, fetch.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err), zap.Duration("backoff", backoff))
			if !pause(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxDequeueBackoff)
			continue
		}
		backoff = minDequeueBackoff
		w.logger.Debug("dequeued job", zap.String("job_id", item.Request.JobID))
		w.processJob(ctx, item)
	}
}

// pause waits for d and reports false when ctx finished first.
func pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) processJob(ctx context.Context, item fetch.QueueItem) {
	metrics.IncJobsInFlight()
	defer metrics.DecJobsInFlight()

	jobID := item.Request.JobID
	execCtx := ctx
	if item.Trace.IsValid() {
		execCtx = trace.ContextWithRemoteSpanContext(ctx, item.Trace)
	}
	result := w.executor.Execute(execCtx, item.Request)
	if ctx.Err() != nil {
		w.logger.Warn("job interrupted; returning to queue", zap.String("job_id", jobID))
		item.Retry()
		return
	}

	if err := w.persistAndPublish(ctx, &result); err != nil {
		w.logger.Error("persist result failed", zap.String("job_id", jobID), zap.Error(err))
		item.Retry()
		return
	}
	item.Done()
	w.logger.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("status", string(result.Status())),
		zap.Int("attempts", result.AttemptsUsed),
		zap.Duration("duration", result.Duration()),
	)
}

func (w *Worker) buildBlobPath(jobID, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, hash)
}

func (w *Worker) persistAndPublish(ctx context.Context, result *fetch.Result) error {
	if result.Success {
		if err := w.enrich(ctx, result); err != nil {
			return err
		}
	}
	if err := w.results.SaveResult(ctx, *result); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return w.publishResult(ctx, *result)
}

// enrich derives the hash, title and blob location of a successful body.
func (w *Worker) enrich(ctx context.Context, result *fetch.Result) error {
	body := []byte(result.Body)
	if w.hasher != nil {
		hash, err := w.hasher.Hash(body)
		if err != nil {
			return fmt.Errorf("hash body: %w", err)
		}
		result.ContentHash = hash
	}
	result.Title = extractTitle(body)

	if w.blobStore == nil {
		return nil
	}
	name := result.ContentHash
	if name == "" {
		name = "body"
	}
	uri, err := w.blobStore.PutObject(ctx, w.buildBlobPath(result.JobID, name), w.cfg.ContentType, body)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	result.BodyURI = uri
	return nil
}

func (w *Worker) publishResult(ctx context.Context, result fetch.Result) error {
	if w.cfg.Topic == "" || w.publisher == nil {
		return nil
	}
	payload := map[string]any{
		"job_id":         result.JobID,
		"url":            result.URL,
		"mode":           result.Mode,
		"status":         result.Status(),
		"status_code":    result.StatusCode,
		"attempts_used":  result.AttemptsUsed,
		"classification": result.Classification,
		"error":          result.Error,
		"content_hash":   result.ContentHash,
		"body_uri":       result.BodyURI,
		"title":          result.Title,
		"timestamp":      w.now().Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		return fmt.Errorf("publish payload: %w", err)
	}
	w.logger.Debug("result published",
		zap.String("job_id", result.JobID),
		zap.String("topic", w.cfg.Topic),
	)
	return nil
}

func (w *Worker) now() time.Time {
	if w.clock == nil {
		return time.Now().UTC()
	}
	return w.clock.Now()
}

func extractTitle(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
