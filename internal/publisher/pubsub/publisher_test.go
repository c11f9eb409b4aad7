package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublisherPublishesJSON(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, _ := newTestClient(t)
	topic, err := client.CreateTopic(ctx, "results")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "results-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	pub := New(topic)
	id, err := pub.Publish(ctx, "results", map[string]any{"job_id": "job-1", "status": "completed"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	got := make(chan []byte, 1)
	go func() {
		_ = sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			select {
			case got <- msg.Data:
			default:
			}
			cancel()
		})
	}()

	var payload map[string]any
	require.NoError(t, json.Unmarshal(<-got, &payload))
	require.Equal(t, "job-1", payload["job_id"])
	require.Equal(t, "completed", payload["status"])
	require.NoError(t, pub.Close())
}

func TestPublisherRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "x", "payload")
	require.Error(t, err)
}

func TestPublisherRejectsUnmarshalablePayload(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	topic, err := client.CreateTopic(context.Background(), "bad")
	require.NoError(t, err)
	defer topic.Stop()

	_, err = New(topic).Publish(context.Background(), "bad", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
}
