package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-engine/internal/fetch"
	queueMemory "github.com/JakeFAU/fetch-engine/internal/queue/memory"
	storeMemory "github.com/JakeFAU/fetch-engine/internal/storage/memory"
	"github.com/JakeFAU/fetch-engine/internal/worker"
)

func TestRunTracksRunningState(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	w := worker.New(queue, nil, nil, nil, nil, nil, nil, worker.Config{}, zap.NewNop())
	dispatch := New(queue, []*worker.Worker{w})
	require.False(t, dispatch.Running())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}
	require.True(t, dispatch.Running())

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	require.False(t, dispatch.Running())
}

func TestNewPoolDefaultsConcurrency(t *testing.T) {
	t.Parallel()

	built := 0
	factory := func() *worker.Worker {
		built++
		return worker.New(nil, nil, nil, nil, nil, nil, nil, worker.Config{}, nil)
	}
	require.Equal(t, DefaultConcurrency, NewPool(nil, 0, factory).Size())
	require.Equal(t, DefaultConcurrency, built)
	require.Equal(t, 3, NewPool(nil, 3, factory).Size())
}

func TestEnqueueWrapsQueueErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil)

	err := dispatch.Enqueue(context.Background(), fetch.QueueItem{Request: fetch.Request{JobID: "job"}})
	require.EqualError(t, err, "queue enqueue: boom")
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ fetch.QueueItem) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (fetch.QueueItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return fetch.QueueItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, fetch.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (fetch.QueueItem, error) {
	return fetch.QueueItem{}, nil
}

func TestPoolDrainsQueue(t *testing.T) {
	t.Parallel()

	queue := queueMemory.NewQueue(10)
	results := storeMemory.NewResultStore()
	exec := &echoExecutor{}
	dispatch := NewPool(queue, 3, func() *worker.Worker {
		return worker.New(queue, exec, results, nil, nil, nil, fixedClock{}, worker.Config{}, zap.NewNop())
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatch.Run(ctx)

	for i := range 5 {
		item := fetch.QueueItem{Request: fetch.Request{JobID: fmt.Sprintf("job-%d", i), URL: "https://example.com"}}
		require.NoError(t, dispatch.Enqueue(ctx, item))
	}
	require.Eventually(t, func() bool { return results.Len() == 5 }, 2*time.Second, 10*time.Millisecond)

	got, err := results.GetResult(ctx, "job-3")
	require.NoError(t, err)
	require.True(t, got.Success)
}

type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, req fetch.Request) fetch.Result {
	return fetch.Result{JobID: req.JobID, URL: req.URL, Mode: req.Mode, Success: true, AttemptsUsed: 1}
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(0, 0).UTC() }
