package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"datasync/internal/models"
	"datasync/internal/pkg/testdb"
	"datasync/internal/queue"
	"datasync/internal/repository"
)

type fakeUpdater struct {
	mu      sync.Mutex
	calls   map[uint]int
	failFor map[uint]error
	panicOn map[uint]bool
}

func newFakeUpdater() *fakeUpdater {
	return &fakeUpdater{
		calls:   make(map[uint]int),
		failFor: make(map[uint]error),
		panicOn: make(map[uint]bool),
	}
}

func (f *fakeUpdater) UpdateProduct(_ context.Context, productID uint) error {
	f.mu.Lock()
	f.calls[productID]++
	err := f.failFor[productID]
	shouldPanic := f.panicOn[productID]
	f.mu.Unlock()

	if shouldPanic {
		panic(fmt.Sprintf("scraper blew up on %d", productID))
	}
	return err
}

func (f *fakeUpdater) callCount(productID uint) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[productID]
}

func (f *fakeUpdater) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// flakyPublisher fails every publish of the listed batch ids.
type flakyPublisher struct {
	next     queue.Publisher
	mu       sync.Mutex
	failing  map[int]bool
	attempts map[int]int
}

func (p *flakyPublisher) Publish(ctx context.Context, body []byte, opts queue.PublishOptions) error {
	msg, err := queue.DecodeBatchMessage(body)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.attempts[msg.BatchID]++
	fail := p.failing[msg.BatchID]
	p.mu.Unlock()
	if fail {
		return errors.New("queue unavailable")
	}
	return p.next.Publish(ctx, body, opts)
}

type harness struct {
	jobs       *repository.JobRepository
	shops      *repository.ShopRepository
	products   *repository.ProductRepository
	activities *repository.ActivityRepository
	cache      *repository.StatusCache
	queue      *queue.MemoryQueue
	publisher  queue.Publisher
	updater    *fakeUpdater
	aggregator *Aggregator
	service    *Service
	worker     *Worker
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	planner   PlannerConfig
	publisher func(queue.Publisher) queue.Publisher
}

func withPlanner(cfg PlannerConfig) harnessOption {
	return func(c *harnessConfig) { c.planner = cfg }
}

func withPublisher(wrap func(queue.Publisher) queue.Publisher) harnessOption {
	return func(c *harnessConfig) { c.publisher = wrap }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{planner: PlannerConfig{BatchSize: 5, MaxProducts: 30}}
	for _, opt := range opts {
		opt(&cfg)
	}

	db := testdb.New(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := zap.NewNop()
	h := &harness{
		jobs:       repository.NewJobRepository(db),
		shops:      repository.NewShopRepository(db),
		products:   repository.NewProductRepository(db),
		activities: repository.NewActivityRepository(db),
		cache:      repository.NewStatusCache(client, time.Hour),
		queue:      queue.NewMemoryQueue(queue.MemoryOptions{VisibilityTimeout: 5 * time.Second, PollInterval: 20 * time.Millisecond}),
		updater:    newFakeUpdater(),
	}
	t.Cleanup(func() { _ = h.queue.Close() })

	h.publisher = h.queue
	if cfg.publisher != nil {
		h.publisher = cfg.publisher(h.queue)
	}

	h.aggregator = NewAggregator(h.jobs, h.cache, h.activities, logger)
	planner := NewPlanner(cfg.planner, h.shops, h.products, h.jobs, logger)
	dispatcher := NewDispatcher(h.publisher, h.aggregator, DispatcherConfig{
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}, logger)
	h.service = NewService(planner, dispatcher, h.aggregator, h.jobs, logger)
	h.worker = NewWorker(h.queue, h.jobs, h.aggregator, h.updater, WorkerConfig{
		Concurrency:    4,
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  10 * time.Millisecond,
		ProductTimeout: time.Second,
	}, logger)
	return h
}

// seedShop creates a shop with n eligible products and returns the shop id and
// the product ids in id order.
func (h *harness) seedShop(t *testing.T, n int) (uint, []uint) {
	t.Helper()
	ctx := context.Background()
	shop, err := h.shops.FindOrCreateByName(ctx, fmt.Sprintf("shop-%d.myshopify.com", time.Now().UnixNano()))
	require.NoError(t, err)

	ids := make([]uint, 0, n)
	for i := 0; i < n; i++ {
		p := &models.Product{
			ShopID:    shop.ID,
			SKU:       fmt.Sprintf("SKU-%d", i),
			SourceURL: fmt.Sprintf("https://example.com/item/%d", i),
			Available: true,
		}
		require.NoError(t, h.products.Create(ctx, p))
		ids = append(ids, p.ID)
	}
	return shop.ID, ids
}

// startWorker runs the worker pool until the test ends.
func (h *harness) startWorker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
}

func (h *harness) waitTerminal(t *testing.T, jobID string) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		got, err := h.jobs.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = got
		return got.Status.IsTerminal()
	}, 10*time.Second, 10*time.Millisecond)
	return job
}

// fakeDelivery lets tests drive Worker.Handle directly.
type fakeDelivery struct {
	body     []byte
	attempt  int
	acked    bool
	requeued time.Duration
}

func (d *fakeDelivery) Body() []byte { return d.body }

func (d *fakeDelivery) Attempt() int { return d.attempt }

func (d *fakeDelivery) Ack(context.Context) error {
	d.acked = true
	return nil
}

func (d *fakeDelivery) Requeue(_ context.Context, delay time.Duration) error {
	d.requeued = delay
	return nil
}
