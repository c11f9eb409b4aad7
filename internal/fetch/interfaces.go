package fetch

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// ErrQueueClosed is returned by Dequeue once a queue has shut down.
var ErrQueueClosed = errors.New("queue closed")

// ErrResultNotFound is returned by ResultStore.GetResult for unknown jobs.
var ErrResultNotFound = errors.New("result not found")

// Strategy performs exactly one fetch attempt. The caller owns retries.
type Strategy interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// Executor runs a request to a terminal Result.
type Executor interface {
	Execute(ctx context.Context, req Request) Result
}

// Queue delivers requests at least once.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// ResultStore persists terminal results keyed by job ID. Saving the same job
// twice overwrites the earlier result.
type ResultStore interface {
	SaveResult(ctx context.Context, result Result) error
	GetResult(ctx context.Context, jobID string) (Result, error)
}

// BlobStore writes raw bodies and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// QueueItem wraps a request pulled from a queue. Ack and Nack are optional
// hooks set by queues that track delivery.
type QueueItem struct {
	Request   Request
	Submitted time.Time
	// Trace is the remote span context the job was submitted under, if any.
	Trace trace.SpanContext
	Ack   func()
	Nack  func()
}

// Done acknowledges the item when the queue supports it.
func (i QueueItem) Done() {
	if i.Ack != nil {
		i.Ack()
	}
}

// Retry returns the item for redelivery when the queue supports it.
func (i QueueItem) Retry() {
	if i.Nack != nil {
		i.Nack()
	}
}
