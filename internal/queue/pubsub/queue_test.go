package pubsubqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/fetch-engine/internal/fetch"
)

func setup(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	topic, err := client.CreateTopic(ctx, "jobs")
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, "jobs-sub", pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 10 * time.Second,
	})
	require.NoError(t, err)
	return client, srv
}

func TestQueueRoundTrip(t *testing.T) {
	t.Parallel()

	client, _ := setup(t)
	q := New(client, Config{Subscription: "jobs-sub", Topic: "jobs", MaxOutstanding: 1}, zap.NewNop())
	t.Cleanup(func() { _ = q.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req := fetch.Request{
		JobID:           "job-1",
		URL:             "https://example.com",
		Mode:            fetch.ModeStatic,
		FollowRedirects: true,
		MaxRedirects:    3,
		RetryBudget:     2,
	}
	require.NoError(t, q.Enqueue(ctx, fetch.QueueItem{Request: req}))

	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", item.Request.JobID)
	require.Equal(t, "https://example.com", item.Request.URL)
	require.Equal(t, 3, item.Request.MaxRedirects)
	require.Equal(t, 2, item.Request.RetryBudget)
	require.NotNil(t, item.Ack)
	require.NotNil(t, item.Nack)
	require.False(t, item.Submitted.IsZero())
	item.Done()
}

// Not parallel: installs the global propagator.
func TestQueueCarriesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	client, _ := setup(t)
	q := New(client, Config{Subscription: "jobs-sub", Topic: "jobs", MaxOutstanding: 1}, zap.NewNop())
	t.Cleanup(func() { _ = q.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	submitter := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{8, 7, 6, 5, 4, 3, 2, 1},
		TraceFlags: trace.FlagsSampled,
	})
	req := fetch.Request{JobID: "traced", URL: "https://example.com", Mode: fetch.ModeStatic}
	require.NoError(t, q.Enqueue(trace.ContextWithSpanContext(ctx, submitter), fetch.QueueItem{Request: req}))

	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, item.Trace.IsValid())
	require.True(t, item.Trace.IsRemote())
	require.Equal(t, submitter.TraceID(), item.Trace.TraceID())
	require.Equal(t, submitter.SpanID(), item.Trace.SpanID())
	item.Done()
}

func TestQueueDropsInvalidMessages(t *testing.T) {
	t.Parallel()

	client, srv := setup(t)
	srv.Publish("projects/project-id/topics/jobs", []byte(`{"url":"not a url"}`), nil)
	srv.Publish("projects/project-id/topics/jobs", []byte(`{"job_id":"ok","url":"https://example.com/ok"}`), nil)

	q := New(client, Config{Subscription: "jobs-sub"}, zap.NewNop())
	t.Cleanup(func() { _ = q.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "ok", item.Request.JobID)
	item.Done()
}

func TestQueueEnqueueWithoutTopic(t *testing.T) {
	t.Parallel()

	client, _ := setup(t)
	q := New(client, Config{Subscription: "jobs-sub"}, nil)
	err := q.Enqueue(context.Background(), fetch.QueueItem{})
	require.Error(t, err)
}

func TestQueueClosedAfterClose(t *testing.T) {
	t.Parallel()

	client, _ := setup(t)
	q := New(client, Config{Subscription: "jobs-sub"}, zap.NewNop())
	q.Start(context.Background())
	require.NoError(t, q.Close())

	_, err := q.Dequeue(context.Background())
	require.True(t, errors.Is(err, fetch.ErrQueueClosed))
}

func TestConnectValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), Config{}, nil)
	require.Error(t, err)
}
