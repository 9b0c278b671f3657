package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryOptions tunes the in-process queue.
type MemoryOptions struct {
	VisibilityTimeout time.Duration
	DedupWindow       time.Duration
	// PollInterval bounds how long Receive waits before returning an empty result.
	PollInterval time.Duration
}

// MemoryQueue is a single-process Work Queue with leases, redelivery after the
// visibility timeout and a deduplication window. It backs development setups
// and tests.
type MemoryQueue struct {
	mu       sync.Mutex
	opts     MemoryOptions
	ready    []*memoryMessage
	inflight map[string]*memoryMessage
	dedup    map[string]time.Time
	nextGC   time.Time
	notify   chan struct{}
	done     chan struct{}
	closed   bool
}

type memoryMessage struct {
	id          string
	body        []byte
	group       string
	attempts    int
	availableAt time.Time
	receipt     string
	leaseUntil  time.Time
}

func NewMemoryQueue(opts MemoryOptions) *MemoryQueue {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &MemoryQueue{
		opts:     opts,
		inflight: make(map[string]*memoryMessage),
		dedup:    make(map[string]time.Time),
		nextGC:   time.Now().Add(opts.DedupWindow),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (q *MemoryQueue) Publish(_ context.Context, body []byte, opts PublishOptions) error {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	if opts.DedupKey != "" {
		if exp, ok := q.dedup[opts.DedupKey]; ok && exp.After(now) {
			// Accepted but dropped, the way FIFO transports treat a repeated dedup id.
			return nil
		}
		q.dedup[opts.DedupKey] = now.Add(q.opts.DedupWindow)
		if now.After(q.nextGC) {
			for key, exp := range q.dedup {
				if exp.Before(now) {
					delete(q.dedup, key)
				}
			}
			q.nextGC = now.Add(q.opts.DedupWindow)
		}
	}

	q.ready = append(q.ready, &memoryMessage{
		id:          uuid.NewString(),
		body:        append([]byte(nil), body...),
		group:       opts.GroupKey,
		availableAt: now,
	})
	q.wake()
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.NewTimer(q.opts.PollInterval)
	defer deadline.Stop()

	for {
		deliveries, wait, err := q.take(max)
		if err != nil {
			return nil, err
		}
		if len(deliveries) > 0 {
			return deliveries, nil
		}

		var retry *time.Timer
		var retryC <-chan time.Time
		if wait > 0 {
			retry = time.NewTimer(wait)
			retryC = retry.C
		}

		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-q.done:
			err = ErrClosed
		case <-deadline.C:
			if retry != nil {
				retry.Stop()
			}
			return nil, nil
		case <-q.notify:
		case <-retryC:
		}
		if retry != nil {
			retry.Stop()
		}
		if err != nil {
			return nil, err
		}
	}
}

// take leases up to max available messages. When none is available it returns how
// long until the next one becomes available, or zero if nothing is pending.
func (q *MemoryQueue) take(max int) ([]Delivery, time.Duration, error) {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, 0, ErrClosed
	}

	// Expired leases go back to the ready list.
	for receipt, msg := range q.inflight {
		if !msg.leaseUntil.After(now) {
			delete(q.inflight, receipt)
			msg.receipt = ""
			msg.availableAt = now
			q.ready = append(q.ready, msg)
		}
	}

	var (
		out       []Delivery
		remaining = q.ready[:0]
		nextAt    time.Time
	)
	for _, msg := range q.ready {
		if len(out) < max && !msg.availableAt.After(now) {
			msg.attempts++
			msg.receipt = uuid.NewString()
			msg.leaseUntil = now.Add(q.opts.VisibilityTimeout)
			q.inflight[msg.receipt] = msg
			out = append(out, &memoryDelivery{
				queue:   q,
				receipt: msg.receipt,
				body:    msg.body,
				attempt: msg.attempts,
			})
			continue
		}
		if msg.availableAt.After(now) && (nextAt.IsZero() || msg.availableAt.Before(nextAt)) {
			nextAt = msg.availableAt
		}
		remaining = append(remaining, msg)
	}
	for i := len(remaining); i < len(q.ready); i++ {
		q.ready[i] = nil
	}
	q.ready = remaining

	for _, msg := range q.inflight {
		if nextAt.IsZero() || msg.leaseUntil.Before(nextAt) {
			nextAt = msg.leaseUntil
		}
	}

	var wait time.Duration
	if !nextAt.IsZero() {
		wait = nextAt.Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
	}
	return out, wait, nil
}

// Len returns the number of messages that are ready or leased.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.inflight)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) ack(receipt string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	// A lease that already expired belongs to a newer delivery.
	delete(q.inflight, receipt)
}

func (q *MemoryQueue) requeue(receipt string, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.inflight[receipt]
	if !ok {
		return
	}
	delete(q.inflight, receipt)
	msg.receipt = ""
	msg.availableAt = time.Now().Add(delay)
	q.ready = append(q.ready, msg)
	q.wake()
}

type memoryDelivery struct {
	queue   *MemoryQueue
	receipt string
	body    []byte
	attempt int
}

func (d *memoryDelivery) Body() []byte { return d.body }

func (d *memoryDelivery) Attempt() int { return d.attempt }

func (d *memoryDelivery) Ack(context.Context) error {
	d.queue.ack(d.receipt)
	return nil
}

func (d *memoryDelivery) Requeue(_ context.Context, delay time.Duration) error {
	d.queue.requeue(d.receipt, delay)
	return nil
}
