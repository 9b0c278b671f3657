package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// GroupHeader carries the ordering key of a JetStream message.
const GroupHeader = "Batch-Group"

// NATSOptions configures the JetStream binding.
type NATSOptions struct {
	URL               string
	Stream            string
	Subject           string
	Consumer          string
	DedupWindow       time.Duration
	VisibilityTimeout time.Duration
	// MaxDeliver bounds redeliveries on the server side; it must exceed the
	// worker's attempt budget so a batch is always reported before it is dropped.
	MaxDeliver int
	WaitTime   time.Duration
}

// NATSQueue binds the Work Queue to a JetStream work-queue stream with a durable
// pull consumer. Dedup keys map to Nats-Msg-Id.
type NATSQueue struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	opts     NATSOptions
}

func NewNATSQueue(ctx context.Context, opts NATSOptions) (*NATSQueue, error) {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 5 * time.Minute
	}
	if opts.WaitTime <= 0 {
		opts.WaitTime = 5 * time.Second
	}

	nc, err := nats.Connect(opts.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       opts.Stream,
		Subjects:   []string{opts.Subject},
		Retention:  jetstream.WorkQueuePolicy,
		Duplicates: opts.DedupWindow,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream %s: %w", opts.Stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       opts.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       opts.VisibilityTimeout,
		MaxDeliver:    opts.MaxDeliver,
		FilterSubject: opts.Subject,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream consumer %s: %w", opts.Consumer, err)
	}

	return &NATSQueue{nc: nc, js: js, consumer: consumer, opts: opts}, nil
}

func (q *NATSQueue) Publish(ctx context.Context, body []byte, opts PublishOptions) error {
	msg := nats.NewMsg(q.opts.Subject)
	msg.Data = body
	if opts.GroupKey != "" {
		msg.Header.Set(GroupHeader, opts.GroupKey)
	}
	var pubOpts []jetstream.PublishOpt
	if opts.DedupKey != "" {
		pubOpts = append(pubOpts, jetstream.WithMsgID(opts.DedupKey))
	}
	if _, err := q.js.PublishMsg(ctx, msg, pubOpts...); err != nil {
		return fmt.Errorf("jetstream publish: %w", err)
	}
	return nil
}

func (q *NATSQueue) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	wait := q.opts.WaitTime
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < wait {
			wait = left
		}
	}
	if wait <= 0 {
		return nil, ctx.Err()
	}

	batch, err := q.consumer.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("jetstream fetch: %w", err)
	}

	var deliveries []Delivery
	for msg := range batch.Messages() {
		attempt := 1
		if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 0 {
			attempt = int(meta.NumDelivered)
		}
		deliveries = append(deliveries, &natsDelivery{msg: msg, attempt: attempt})
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && len(deliveries) == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("jetstream fetch: %w", err)
	}
	return deliveries, nil
}

func (q *NATSQueue) Close() error {
	if q.nc != nil {
		return q.nc.Drain()
	}
	return nil
}

type natsDelivery struct {
	msg     jetstream.Msg
	attempt int
}

func (d *natsDelivery) Body() []byte { return d.msg.Data() }

func (d *natsDelivery) Attempt() int { return d.attempt }

func (d *natsDelivery) Ack(ctx context.Context) error {
	return d.msg.DoubleAck(ctx)
}

func (d *natsDelivery) Requeue(_ context.Context, delay time.Duration) error {
	return d.msg.NakWithDelay(delay)
}
