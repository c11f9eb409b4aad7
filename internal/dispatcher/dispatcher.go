// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/fetch-engine/internal/fetch"
	"github.com/JakeFAU/fetch-engine/internal/worker"
)

// DefaultConcurrency is the worker count used when none is configured.
const DefaultConcurrency = 10

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   fetch.Queue
	workers []*worker.Worker
	running atomic.Bool
}

// New creates a Dispatcher.
func New(queue fetch.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// NewPool creates a Dispatcher with n workers built by newWorker. n <= 0
// means DefaultConcurrency.
func NewPool(queue fetch.Queue, n int, newWorker func() *worker.Worker) *Dispatcher {
	if n <= 0 {
		n = DefaultConcurrency
	}
	workers := make([]*worker.Worker, 0, n)
	for range n {
		workers = append(workers, newWorker())
	}
	return New(queue, workers)
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Running reports whether Run is active.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item fetch.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
