// Package pubsubqueue delivers fetch jobs from a Google Cloud Pub/Sub
// subscription. Messages are acknowledged only after the job result has been
// persisted, which gives at-least-once processing.
package pubsubqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/fetch-engine/internal/fetch"
)

// Config names the subscription to consume and, optionally, the topic Enqueue
// publishes to.
type Config struct {
	ProjectID      string
	Subscription   string
	Topic          string
	MaxOutstanding int
}

// Queue adapts a Pub/Sub subscription to fetch.Queue.
type Queue struct {
	client *pubsub.Client
	owned  bool
	sub    *pubsub.Subscription
	topic  *pubsub.Topic
	logger *zap.Logger

	items     chan fetch.QueueItem
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc

	mu      sync.Mutex
	recvErr error
}

// Connect creates a client and a Queue that owns it.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Queue, error) {
	if cfg.ProjectID == "" || cfg.Subscription == "" {
		return nil, errors.New("pubsub queue requires project id and subscription")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	q := New(client, cfg, logger)
	q.owned = true
	return q, nil
}

// New wraps an existing client.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	sub := client.Subscription(cfg.Subscription)
	if cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	q := &Queue{
		client: client,
		sub:    sub,
		logger: logger,
		items:  make(chan fetch.QueueItem),
		done:   make(chan struct{}),
	}
	if cfg.Topic != "" {
		q.topic = client.Topic(cfg.Topic)
	}
	return q
}

// Start begins receiving messages. It is called implicitly by the first
// Dequeue and is safe to call more than once.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		recvCtx, cancel := context.WithCancel(ctx)
		q.cancel = cancel
		go q.receive(recvCtx)
	})
}

func (q *Queue) receive(ctx context.Context) {
	defer close(q.done)
	err := q.sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		q.handle(msgCtx, msg)
	})
	if err != nil && ctx.Err() == nil {
		q.logger.Error("pubsub receive stopped", zap.Error(err))
		q.mu.Lock()
		q.recvErr = err
		q.mu.Unlock()
	}
}

func (q *Queue) handle(ctx context.Context, msg *pubsub.Message) {
	req, err := fetch.DecodeMessage(msg.Data)
	if err != nil {
		// Malformed messages can never succeed; drop them instead of redelivering.
		q.logger.Warn("discarding invalid dispatch message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		msg.Ack()
		return
	}
	submitted := msg.PublishTime
	if submitted.IsZero() {
		submitted = time.Now().UTC()
	}
	item := fetch.QueueItem{
		Request:   req,
		Submitted: submitted,
		Trace:     remoteSpan(msg.Attributes),
		Ack:       msg.Ack,
		Nack:      msg.Nack,
	}
	select {
	case q.items <- item:
	case <-ctx.Done():
		msg.Nack()
	}
}

// remoteSpan extracts the publisher's span context from message attributes.
func remoteSpan(attrs map[string]string) trace.SpanContext {
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.MapCarrier(attrs))
	return trace.SpanContextFromContext(ctx)
}

// Dequeue returns the next received job.
func (q *Queue) Dequeue(ctx context.Context) (fetch.QueueItem, error) {
	q.Start(ctx)
	select {
	case <-ctx.Done():
		return fetch.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.items:
		return item, nil
	case <-q.done:
		q.mu.Lock()
		err := q.recvErr
		q.mu.Unlock()
		if err != nil {
			return fetch.QueueItem{}, errors.Join(fetch.ErrQueueClosed, err)
		}
		return fetch.QueueItem{}, fetch.ErrQueueClosed
	}
}

// Enqueue publishes req as a dispatch message.
func (q *Queue) Enqueue(ctx context.Context, item fetch.QueueItem) error {
	if q.topic == nil {
		return errors.New("pubsub queue has no topic configured")
	}
	data, err := json.Marshal(fetch.NewMessage(item.Request))
	if err != nil {
		return fmt.Errorf("marshal dispatch message: %w", err)
	}
	attrs := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, attrs)
	if _, err := q.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx); err != nil {
		return fmt.Errorf("publish dispatch message: %w", err)
	}
	return nil
}

// Close stops receiving and releases the client when owned.
func (q *Queue) Close() error {
	var err error
	q.stopOnce.Do(func() {
		if q.cancel != nil {
			q.cancel()
			<-q.done
		}
		if q.topic != nil {
			q.topic.Stop()
		}
		if q.owned {
			if cerr := q.client.Close(); cerr != nil {
				err = fmt.Errorf("close pubsub client: %w", cerr)
			}
		}
	})
	return err
}
