package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"datasync/internal/models"
	"datasync/internal/queue"
)

type DispatcherConfig struct {
	// MaxRetries is the number of publish retries after the first attempt.
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// BatchDispatch is the publish outcome of one batch.
type BatchDispatch struct {
	BatchID   int
	Published bool
	Attempts  int
	Err       error
}

type DispatchReport struct {
	JobID   string
	Batches []BatchDispatch
	// Job is the job record after sealing.
	Job *models.Job
}

// Published returns the ids of the batches that reached the queue.
func (r *DispatchReport) Published() []int {
	return lo.FilterMap(r.Batches, func(b BatchDispatch, _ int) (int, bool) {
		return b.BatchID, b.Published
	})
}

// Failed returns the ids of the batches that could not be published.
func (r *DispatchReport) Failed() []int {
	return lo.FilterMap(r.Batches, func(b BatchDispatch, _ int) (int, bool) {
		return b.BatchID, !b.Published
	})
}

// Dispatcher publishes one message per batch. A batch that still fails after the
// retry policy is removed from the job's denominator; the job is sealed once
// every batch has a publish outcome.
type Dispatcher struct {
	publisher  queue.Publisher
	aggregator *Aggregator
	cfg        DispatcherConfig
	logger     *zap.Logger
}

func NewDispatcher(publisher queue.Publisher, aggregator *Aggregator, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	return &Dispatcher{publisher: publisher, aggregator: aggregator, cfg: cfg, logger: logger}
}

func (d *Dispatcher) Dispatch(ctx context.Context, job *models.Job, batches [][]uint) (*DispatchReport, error) {
	report := &DispatchReport{JobID: job.ID, Batches: make([]BatchDispatch, 0, len(batches))}
	var errs []error

	for batchID, ids := range batches {
		msg := queue.BatchMessage{
			JobID:         job.ID,
			ShopID:        job.ShopID,
			BatchID:       batchID,
			ProductIDs:    ids,
			TotalProducts: job.TotalProducts,
			TotalBatches:  len(batches),
		}
		outcome := d.publish(ctx, msg)
		report.Batches = append(report.Batches, outcome)
		if outcome.Published {
			continue
		}

		d.logger.Error("batch publish failed",
			zap.String("job_id", job.ID),
			zap.Int("batch_id", batchID),
			zap.Int("attempts", outcome.Attempts),
			zap.Error(outcome.Err),
		)
		if _, err := d.aggregator.RecordUnpublished(ctx, job.ID, batchID, outcome.Err); err != nil {
			errs = append(errs, err)
		}
	}

	res, err := d.aggregator.Seal(ctx, job.ID)
	if err != nil {
		errs = append(errs, err)
	} else {
		report.Job = res.Job
	}

	d.logger.Info("sync job dispatched",
		zap.String("job_id", job.ID),
		zap.Ints("published", report.Published()),
		zap.Ints("failed", report.Failed()),
	)
	return report, errors.Join(errs...)
}

func (d *Dispatcher) publish(ctx context.Context, msg queue.BatchMessage) BatchDispatch {
	outcome := BatchDispatch{BatchID: msg.BatchID}

	body, err := msg.Encode()
	if err != nil {
		outcome.Err = err
		return outcome
	}

	op := func() error {
		outcome.Attempts++
		// A fresh dedup key per attempt keeps the transport from swallowing a retry.
		err := d.publisher.Publish(ctx, body, queue.PublishOptions{
			GroupKey: msg.GroupKey(),
			DedupKey: msg.DedupKey(),
		})
		if errors.Is(err, queue.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(d.newBackOff(), uint64(d.cfg.MaxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		outcome.Err = fmt.Errorf("publish after %d attempts: %w", outcome.Attempts, err)
		return outcome
	}
	outcome.Published = true
	return outcome
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryBaseDelay
	b.MaxInterval = d.cfg.RetryMaxDelay
	b.MaxElapsedTime = 0
	return b
}
