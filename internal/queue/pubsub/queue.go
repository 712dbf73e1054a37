// Package pubsub implements queue.Provider on top of Google Cloud Pub/Sub.
// One Queue wraps a single topic+subscription pair; the discovery, crawl,
// and index queues (plus their DLQs) are each a separate Queue value
// sharing one pubsub.Client.
// Redelivery past queue.MaxReceiveCount is expressed via Pub/Sub's native
// dead-lettering policy on the subscription rather than reimplemented
// client-side.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"

	"github.com/crawlkit/core/internal/queue"
)

// Queue adapts a Pub/Sub topic/subscription pair to queue.Provider.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription

	mu       sync.Mutex
	inFlight map[string]*pubsub.Message
	msgs     chan *pubsub.Message
	cancel   context.CancelFunc
	started  bool
}

// New validates that topicID and subID exist on the project behind client
// and returns a ready Queue, failing fast rather than on the first publish.
func New(ctx context.Context, client *pubsub.Client, topicID, subID string) (*Queue, error) {
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("pubsub: check topic %q: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub: topic %q does not exist", topicID)
	}

	sub := client.Subscription(subID)
	exists, err = sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("pubsub: check subscription %q: %w", subID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub: subscription %q does not exist", subID)
	}

	return &Queue{
		client:   client,
		topic:    topic,
		sub:      sub,
		inFlight: make(map[string]*pubsub.Message),
		msgs:     make(chan *pubsub.Message),
	}, nil
}

// Publish sends body as a new Pub/Sub message and waits for the publish to
// be acknowledged by the server.
func (q *Queue) Publish(ctx context.Context, body []byte) error {
	result := q.topic.Publish(ctx, &pubsub.Message{Data: body})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("pubsub: publish: %w", err)
	}
	return nil
}

// Receive pulls the next message, starting the background streaming-pull
// loop on first use. The returned Delivery's receipt handle is the
// message's own ID; Ack/Nack resolve it back to the live *pubsub.Message so
// extension and acknowledgement talk to the correct underlying stream.
func (q *Queue) Receive(ctx context.Context) (queue.Delivery, error) {
	q.ensureStarted()

	select {
	case <-ctx.Done():
		return queue.Delivery{}, fmt.Errorf("pubsub: receive canceled: %w", ctx.Err())
	case m, ok := <-q.msgs:
		if !ok {
			return queue.Delivery{}, queue.ErrClosed
		}
		q.mu.Lock()
		q.inFlight[m.ID] = m
		q.mu.Unlock()
		return queue.Delivery{
			Body:          m.Data,
			ReceiptHandle: m.ID,
			DeliveryCount: int(m.DeliveryAttempt),
		}, nil
	}
}

func (q *Queue) ensureStarted() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go func() {
		_ = q.sub.Receive(ctx, func(_ context.Context, m *pubsub.Message) {
			select {
			case q.msgs <- m:
			case <-ctx.Done():
				m.Nack()
			}
		})
		close(q.msgs)
	}()
}

// Ack acknowledges the message, removing it from the subscription.
func (q *Queue) Ack(_ context.Context, receiptHandle string) error {
	m := q.takeInFlight(receiptHandle)
	if m == nil {
		return nil
	}
	m.Ack()
	return nil
}

// Nack signals redelivery, decrementing the message's remaining-attempts
// budget toward the subscription's dead-letter policy.
func (q *Queue) Nack(_ context.Context, receiptHandle string) error {
	m := q.takeInFlight(receiptHandle)
	if m == nil {
		return nil
	}
	m.Nack()
	return nil
}

func (q *Queue) takeInFlight(receiptHandle string) *pubsub.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := q.inFlight[receiptHandle]
	delete(q.inFlight, receiptHandle)
	return m
}

// Close stops the streaming-pull loop and releases the subscription.
func (q *Queue) Close() error {
	q.mu.Lock()
	cancel := q.cancel
	started := q.started
	q.mu.Unlock()
	if started && cancel != nil {
		cancel()
	}
	return nil
}
