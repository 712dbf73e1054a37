// Package queue defines the message-queue contract shared by the discovery,
// crawl, and index stages, plus their dead-letter queues. The abstraction
// lets every worker depend on an interface rather than a specific broker;
// internal/queue/memqueue backs tests and local dev, internal/queue/pubsub
// backs production on top of Google Cloud Pub/Sub.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Receive once the queue has been closed.
var ErrClosed = errors.New("queue: closed")

// Delivery wraps a received message body with the metadata needed to
// acknowledge, nack, or dead-letter it. ReceiptHandle is opaque and
// provider-specific ("Each message carries a server-side
// receipt handle used to acknowledge completion").
type Delivery struct {
	Body          []byte
	ReceiptHandle string
	DeliveryCount int
}

// Provider is the contract every queue (discovery, crawl, index, and their
// DLQs) satisfies.
type Provider interface {
	// Publish enqueues body as a new message.
	Publish(ctx context.Context, body []byte) error

	// Receive blocks (subject to ctx) until a message is available and
	// returns it with its receipt handle. The message becomes invisible to
	// other consumers for the provider's visibility timeout.
	Receive(ctx context.Context) (Delivery, error)

	// Ack permanently removes the message identified by receiptHandle.
	Ack(ctx context.Context, receiptHandle string) error

	// Nack returns the message to visibility immediately, making it
	// eligible for redelivery without waiting out the full timeout.
	Nack(ctx context.Context, receiptHandle string) error

	// Close releases provider resources.
	Close() error
}

// MaxReceiveCount is the max-receive-count-before-DLQ rule.
const MaxReceiveCount = 5

// VisibilityTimeouts holds the per-queue defaults.
const (
	DiscoveryVisibilityTimeoutSeconds = 60
	CrawlVisibilityTimeoutSeconds     = 60
	IndexVisibilityTimeoutSeconds     = 120
)
