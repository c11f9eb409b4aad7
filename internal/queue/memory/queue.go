// Package memory provides an in-process job queue for single-node runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/fetch-engine/internal/fetch"
)

// Option customizes a Queue.
type Option func(*Queue)

// WithMaxDeliveries caps how often one item is handed out. Once an item has
// been delivered n times a further Nack drops it. n <= 0 means unlimited.
func WithMaxDeliveries(n int) Option {
	return func(q *Queue) { q.maxDeliveries = n }
}

// envelope tracks an item across redeliveries.
type envelope struct {
	item       fetch.QueueItem
	deliveries int
}

// Queue is a bounded, at-least-once queue. A Nacked item goes back to the
// tail of the queue, waiting for room if the queue is full.
type Queue struct {
	ch            chan envelope
	done          chan struct{}
	mu            sync.RWMutex
	closed        bool
	closeOnce     sync.Once
	maxDeliveries int
	dropped       atomic.Int64
}

// NewQueue constructs a queue holding at most capacity pending items.
func NewQueue(capacity int, opts ...Option) *Queue {
	q := &Queue{
		ch:   make(chan envelope, capacity),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds item, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, item fetch.QueueItem) error {
	return q.push(ctx, envelope{item: item})
}

func (q *Queue) push(ctx context.Context, env envelope) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return fetch.ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return fetch.ErrQueueClosed
	case q.ch <- env:
		return nil
	}
}

// Dequeue pops the next item. The returned item's Done and Retry hooks run
// at most once.
func (q *Queue) Dequeue(ctx context.Context) (fetch.QueueItem, error) {
	select {
	case <-ctx.Done():
		return fetch.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case env, ok := <-q.ch:
		if !ok {
			return fetch.QueueItem{}, fetch.ErrQueueClosed
		}
		env.deliveries++
		return q.track(env), nil
	}
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Dropped returns how many items were discarded after exhausting their deliveries.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close stops the queue. Pending items can still be drained; further
// Enqueue calls and redeliveries are rejected. Close is idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.mu.Lock()
		defer q.mu.Unlock()
		q.closed = true
		close(q.ch)
	})
}

func (q *Queue) track(env envelope) fetch.QueueItem {
	item := env.item
	ack, nack := item.Ack, item.Nack
	var settled sync.Once
	item.Ack = func() {
		settled.Do(func() {
			if ack != nil {
				ack()
			}
		})
	}
	item.Nack = func() {
		settled.Do(func() {
			if nack != nil {
				nack()
			}
			q.redeliver(env)
		})
	}
	return item
}

func (q *Queue) redeliver(env envelope) {
	if q.maxDeliveries > 0 && env.deliveries >= q.maxDeliveries {
		q.dropped.Add(1)
		return
	}
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return
	}
	select {
	case q.ch <- env:
		q.mu.RUnlock()
		return
	default:
	}
	q.mu.RUnlock()
	go func() {
		_ = q.push(context.Background(), env)
	}()
}
