package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"datasync/internal/models"
	"datasync/internal/repository"
)

// Aggregator folds batch reports into the job record and keeps the status
// mirror and activity feed in step with it. Duplicate reports are expected and
// resolve silently.
type Aggregator struct {
	jobs       JobStore
	mirror     StatusMirror
	activities ActivityLogger
	logger     *zap.Logger
}

func NewAggregator(jobs JobStore, mirror StatusMirror, activities ActivityLogger, logger *zap.Logger) *Aggregator {
	return &Aggregator{jobs: jobs, mirror: mirror, activities: activities, logger: logger}
}

// RecordBatchCompletion counts a batch outcome without per-product errors.
func (a *Aggregator) RecordBatchCompletion(ctx context.Context, jobID string, batchID int, outcome models.BatchOutcome) (*models.CompletionResult, error) {
	return a.Record(ctx, models.BatchReport{JobID: jobID, BatchID: batchID, Outcome: outcome})
}

// Record counts a worker's report for one batch.
func (a *Aggregator) Record(ctx context.Context, report models.BatchReport) (*models.CompletionResult, error) {
	res, err := a.jobs.RecordBatchCompletion(ctx, report)
	if err != nil {
		return nil, fmt.Errorf("record batch %d of job %s: %w", report.BatchID, report.JobID, err)
	}
	if res.Duplicate {
		a.logger.Debug("duplicate batch report ignored",
			zap.String("job_id", report.JobID),
			zap.Int("batch_id", report.BatchID),
		)
		return res, nil
	}
	a.logger.Info("batch recorded",
		zap.String("job_id", report.JobID),
		zap.Int("batch_id", report.BatchID),
		zap.String("outcome", string(report.Outcome)),
		zap.Int("product_errors", len(report.Errors)),
		zap.Int("progress", res.Job.Progress),
	)
	a.afterChange(ctx, res)
	return res, nil
}

// RecordUnpublished drops a batch that never reached the queue from the job's
// denominator.
func (a *Aggregator) RecordUnpublished(ctx context.Context, jobID string, batchID int, cause error) (*models.CompletionResult, error) {
	msg := fmt.Sprintf("batch %d could not be queued: %v", batchID, cause)
	res, err := a.jobs.ShrinkTotalBatches(ctx, jobID, batchID, msg)
	if err != nil {
		return nil, fmt.Errorf("shrink job %s: %w", jobID, err)
	}
	if !res.Duplicate {
		a.logger.Warn("batch dropped from job",
			zap.String("job_id", jobID),
			zap.Int("batch_id", batchID),
			zap.Int("total_batches", res.Job.TotalBatches),
			zap.Error(cause),
		)
		a.afterChange(ctx, res)
	}
	return res, nil
}

// Seal fixes the job's denominator once every publish outcome is known.
func (a *Aggregator) Seal(ctx context.Context, jobID string) (*models.CompletionResult, error) {
	res, err := a.jobs.SealDispatch(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("seal job %s: %w", jobID, err)
	}
	if res.Finalized {
		a.afterChange(ctx, res)
	}
	return res, nil
}

// Activate flips a queued job to active on first pickup.
func (a *Aggregator) Activate(ctx context.Context, jobID string, shopID uint) error {
	changed, err := a.jobs.MarkActive(ctx, jobID)
	if err != nil {
		return fmt.Errorf("mark job %s active: %w", jobID, err)
	}
	if changed {
		a.logger.Info("sync job active", zap.String("job_id", jobID))
		a.mirrorStatus(ctx, shopID, models.JobStatusActive)
	}
	return nil
}

// Started records a freshly planned job in the mirror and the activity feed.
func (a *Aggregator) Started(ctx context.Context, job *models.Job) {
	a.mirrorStatus(ctx, job.ShopID, job.Status)
	a.logActivity(ctx, job.ShopID, repository.ActivitySyncStarted,
		fmt.Sprintf("Sync started for %d products in %d batches", job.TotalProducts, job.TotalBatches))
	if job.Status.IsTerminal() {
		a.logActivity(ctx, job.ShopID, repository.ActivitySyncFinished, finishedDescription(job))
	}
}

func (a *Aggregator) afterChange(ctx context.Context, res *models.CompletionResult) {
	job := res.Job
	if job == nil {
		return
	}
	if !res.Finalized {
		return
	}
	a.logger.Info("sync job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("batches", job.TotalBatches),
		zap.Int("failed_batches", job.FailedBatches),
		zap.Int("errors", job.ErrorCount),
	)
	a.mirrorStatus(ctx, job.ShopID, job.Status)
	a.logActivity(ctx, job.ShopID, repository.ActivitySyncFinished, finishedDescription(job))
}

func (a *Aggregator) mirrorStatus(ctx context.Context, shopID uint, status models.JobStatus) {
	if a.mirror == nil {
		return
	}
	if err := a.mirror.SetStatus(ctx, shopID, status); err != nil {
		a.logger.Warn("status mirror update failed", zap.Uint("shop_id", shopID), zap.Error(err))
	}
}

func (a *Aggregator) logActivity(ctx context.Context, shopID uint, kind, description string) {
	if a.activities == nil {
		return
	}
	if err := a.activities.Log(ctx, shopID, kind, description); err != nil {
		a.logger.Warn("activity log failed", zap.Uint("shop_id", shopID), zap.Error(err))
	}
}

func finishedDescription(job *models.Job) string {
	return fmt.Sprintf("Sync %s: %d/%d batches, %d errors",
		job.Status, job.BatchesCompleted, job.TotalBatches, job.ErrorCount)
}
