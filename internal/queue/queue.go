// Package queue is the Work Queue: an at-least-once transport for batch messages
// with an in-memory, an SQS and a NATS JetStream binding.
package queue

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("queue closed")

// PublishOptions carries the transport attributes of one message. GroupKey orders
// messages where the transport supports grouping. DedupKey suppresses repeats of
// the same publish inside the transport's deduplication window.
type PublishOptions struct {
	GroupKey string
	DedupKey string
}

type Publisher interface {
	Publish(ctx context.Context, body []byte, opts PublishOptions) error
}

// Delivery is a leased message. Until Ack or Requeue is called, the lease expires
// after the visibility timeout and the message is delivered again.
type Delivery interface {
	Body() []byte
	// Attempt is 1 on first delivery.
	Attempt() int
	Ack(ctx context.Context) error
	Requeue(ctx context.Context, delay time.Duration) error
}

type Consumer interface {
	// Receive waits for up to max messages. It may return an empty slice when its
	// poll interval elapses without traffic.
	Receive(ctx context.Context, max int) ([]Delivery, error)
}

type Queue interface {
	Publisher
	Consumer
	Close() error
}
