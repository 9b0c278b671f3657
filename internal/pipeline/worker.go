package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"datasync/internal/models"
	"datasync/internal/queue"
)

// BatchState is the per-message state of a worker.
type BatchState string

const (
	BatchReceived   BatchState = "received"
	BatchProcessing BatchState = "processing"
	BatchSucceeded  BatchState = "succeeded"
	BatchFailed     BatchState = "failed"
	BatchAbandoned  BatchState = "abandoned"
)

type WorkerConfig struct {
	Concurrency    int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	ProductTimeout time.Duration
}

// BatchResult is what handling one delivery amounted to. RetryAfter is set when
// the message goes back to the queue instead of being reported.
type BatchResult struct {
	JobID      string
	BatchID    int
	State      BatchState
	Outcome    models.BatchOutcome
	Attempted  int
	Errors     []models.JobError
	RetryAfter time.Duration
	Err        error
}

// Worker consumes batch messages. Every delivery ends in exactly one of: a report
// to the aggregator, a requeue with backoff, or abandonment after the attempt
// budget is spent.
type Worker struct {
	consumer   queue.Consumer
	jobs       JobStore
	aggregator *Aggregator
	updater    ProductUpdater
	cfg        WorkerConfig
	logger     *zap.Logger
}

func NewWorker(consumer queue.Consumer, jobs JobStore, aggregator *Aggregator, updater ProductUpdater, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.ProductTimeout <= 0 {
		cfg.ProductTimeout = 30 * time.Second
	}
	return &Worker{
		consumer:   consumer,
		jobs:       jobs,
		aggregator: aggregator,
		updater:    updater,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run starts Concurrency consumer loops and blocks until ctx is cancelled or the
// queue is closed.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error {
			return w.loop(gctx, id)
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, id int) error {
	logger := w.logger.With(zap.Int("worker", id))
	logger.Info("worker started")
	defer logger.Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		deliveries, err := w.consumer.Receive(ctx, 1)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			logger.Warn("receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, d := range deliveries {
			w.Handle(ctx, d)
		}
	}
}

// Handle processes one delivery and settles it with the queue.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) BatchResult {
	msg, err := queue.DecodeBatchMessage(d.Body())
	if err != nil {
		w.logger.Error("dropping malformed batch message", zap.Error(err))
		if ackErr := d.Ack(ctx); ackErr != nil {
			w.logger.Warn("ack failed", zap.Error(ackErr))
		}
		return BatchResult{State: BatchAbandoned, Err: err}
	}

	result := w.ProcessBatch(ctx, msg, d.Attempt())
	logger := w.logger.With(
		zap.String("job_id", msg.JobID),
		zap.Int("batch_id", msg.BatchID),
		zap.Int("attempt", d.Attempt()),
	)

	switch {
	case ctx.Err() != nil && result.State != BatchSucceeded && result.State != BatchFailed:
		// Shutting down: the lease runs out and another worker picks the batch up.
		logger.Info("batch interrupted", zap.Error(ctx.Err()))
	case result.RetryAfter > 0:
		logger.Warn("batch requeued", zap.Duration("retry_after", result.RetryAfter), zap.Error(result.Err))
		if err := d.Requeue(ctx, result.RetryAfter); err != nil {
			logger.Warn("requeue failed", zap.Error(err))
		}
	default:
		if result.State == BatchAbandoned {
			logger.Error("batch abandoned", zap.Error(result.Err))
		}
		if err := d.Ack(ctx); err != nil {
			logger.Warn("ack failed", zap.Error(err))
		}
	}
	return result
}

// ProcessBatch runs the products of one batch and reports the outcome. Per-product
// errors are collected; only errors before any product was attempted are fatal.
func (w *Worker) ProcessBatch(ctx context.Context, msg *queue.BatchMessage, attempt int) BatchResult {
	result := BatchResult{JobID: msg.JobID, BatchID: msg.BatchID, State: BatchProcessing}

	outcome, errs, attempted, fatal := w.runProducts(ctx, msg)
	result.Attempted = attempted
	result.Errors = errs

	if ctx.Err() != nil {
		result.State = BatchReceived
		result.Err = ctx.Err()
		return result
	}

	report := models.BatchReport{
		JobID:   msg.JobID,
		BatchID: msg.BatchID,
		Outcome: outcome,
		Errors:  errs,
	}
	if fatal != nil {
		if attempt < w.cfg.MaxAttempts {
			result.State = BatchReceived
			result.RetryAfter = w.retryDelay(attempt)
			result.Err = fatal
			return result
		}
		report.Outcome = models.BatchFailed
		report.Message = fmt.Sprintf("batch %d failed after %d attempts: %v", msg.BatchID, attempt, fatal)
	}

	if _, err := w.aggregator.Record(ctx, report); err != nil {
		result.Err = err
		if attempt < w.cfg.MaxAttempts && ctx.Err() == nil {
			result.State = BatchReceived
			result.RetryAfter = w.retryDelay(attempt)
			return result
		}
		result.State = BatchAbandoned
		return result
	}

	result.Outcome = report.Outcome
	result.Err = fatal
	if report.Outcome == models.BatchFailed {
		result.State = BatchFailed
	} else {
		result.State = BatchSucceeded
	}
	return result
}

func (w *Worker) runProducts(ctx context.Context, msg *queue.BatchMessage) (outcome models.BatchOutcome, errs []models.JobError, attempted int, fatal error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("batch panicked",
				zap.String("job_id", msg.JobID),
				zap.Int("batch_id", msg.BatchID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			fatal = fmt.Errorf("panic: %v", r)
		}
	}()

	if err := w.aggregator.Activate(ctx, msg.JobID, msg.ShopID); err != nil {
		return "", nil, 0, err
	}

	outcome = models.BatchSucceeded
	for _, productID := range msg.ProductIDs {
		if ctx.Err() != nil {
			return outcome, errs, attempted, nil
		}

		cancelled, err := w.jobs.IsCancelRequested(ctx, msg.JobID)
		if err != nil {
			if attempted == 0 {
				return "", nil, 0, err
			}
			w.logger.Warn("cancel check failed", zap.String("job_id", msg.JobID), zap.Error(err))
		}
		if cancelled {
			outcome = models.BatchCancelled
			break
		}

		pctx, cancel := context.WithTimeout(ctx, w.cfg.ProductTimeout)
		err = w.updater.UpdateProduct(pctx, productID)
		cancel()
		attempted++
		if err != nil {
			id := productID
			errs = append(errs, models.JobError{
				BatchID:   msg.BatchID,
				ProductID: &id,
				Message:   fmt.Sprintf("product %d: %v", productID, err),
			})
		}
	}
	return outcome, errs, attempted, nil
}

// retryDelay grows exponentially with the attempt number.
func (w *Worker) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.RetryBaseDelay
	b.MaxInterval = w.cfg.RetryMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay <= 0 {
		delay = w.cfg.RetryBaseDelay
	}
	return delay
}
