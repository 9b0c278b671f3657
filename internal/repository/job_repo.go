package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"datasync/internal/models"
)

var (
	ErrJobNotFound = errors.New("job not found")

	// errNoChange rolls back a transaction that turned out to have nothing to record.
	errNoChange = errors.New("no change")
)

// JobRepository is the durable Job Store. Every mutation of a job row is a
// conditional update so that concurrent workers never lose or double an increment.
type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// CreateJob inserts a planned job.
func (r *JobRepository) CreateJob(ctx context.Context, job *models.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetJob returns a job with its error list in insertion order.
func (r *JobRepository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := r.db.WithContext(ctx).
		Preload("Errors", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("id = ?", id).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// FindActiveJob returns the most recently created queued or active job of a shop,
// or nil when the shop has none.
func (r *JobRepository) FindActiveJob(ctx context.Context, shopID uint) (*models.Job, error) {
	var job models.Job
	err := r.db.WithContext(ctx).
		Preload("Errors", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("shop_id = ? AND status IN ?", shopID, models.ActiveJobStatuses()).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// LatestJob returns the newest job of a shop regardless of status, or nil.
func (r *JobRepository) LatestJob(ctx context.Context, shopID uint) (*models.Job, error) {
	var job models.Job
	err := r.db.WithContext(ctx).
		Where("shop_id = ?", shopID).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// MarkActive flips a queued job to active. It reports whether this call made the
// transition; losing the race to another worker is not an error.
func (r *JobRepository) MarkActive(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":     models.JobStatusActive,
			"started_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RecordBatchCompletion counts one batch outcome. The completion log's primary key
// on (job_id, batch_id) turns a repeated report into a no-op. The terminal transition
// is attempted in the same transaction.
func (r *JobRepository) RecordBatchCompletion(ctx context.Context, report models.BatchReport) (*models.CompletionResult, error) {
	result := &models.CompletionResult{}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := loadJob(tx, report.JobID)
		if err != nil {
			return err
		}
		result.Job = job
		if job.Status.IsTerminal() {
			return errNoChange
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.BatchCompletion{
			JobID:   report.JobID,
			BatchID: report.BatchID,
			Outcome: report.Outcome,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errNoChange
		}

		errs := reportErrors(report)
		failed := 0
		if report.Outcome == models.BatchFailed {
			failed = 1
		}

		res = tx.Model(&models.Job{}).
			Where("id = ? AND status IN ? AND batches_completed < total_batches", report.JobID, models.ActiveJobStatuses()).
			Updates(map[string]interface{}{
				"batches_completed": gorm.Expr("batches_completed + 1"),
				"failed_batches":    gorm.Expr("failed_batches + ?", failed),
				"error_count":       gorm.Expr("error_count + ?", len(errs)),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// The denominator is already full, so the batch does not belong to this job.
			return errNoChange
		}

		if len(errs) > 0 {
			if err := tx.Create(&errs).Error; err != nil {
				return err
			}
		}

		job, err = loadJob(tx, report.JobID)
		if err != nil {
			return err
		}
		if err := refreshProgress(tx, job); err != nil {
			return err
		}
		result.Finalized, err = finalize(tx, job)
		result.Job = job
		return err
	})
	if errors.Is(err, errNoChange) {
		result.Duplicate = true
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ShrinkTotalBatches removes a batch that could not be published from the job's
// denominator and records why. A batch that already reported in is left counted.
func (r *JobRepository) ShrinkTotalBatches(ctx context.Context, jobID string, batchID int, message string) (*models.CompletionResult, error) {
	result := &models.CompletionResult{}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := loadJob(tx, jobID)
		if err != nil {
			return err
		}
		result.Job = job
		if job.Status.IsTerminal() {
			return errNoChange
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.BatchCompletion{
			JobID:   jobID,
			BatchID: batchID,
			Outcome: models.BatchUnpublished,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errNoChange
		}

		res = tx.Model(&models.Job{}).
			Where("id = ? AND status IN ? AND total_batches > batches_completed", jobID, models.ActiveJobStatuses()).
			Updates(map[string]interface{}{
				"total_batches": gorm.Expr("total_batches - 1"),
				"error_count":   gorm.Expr("error_count + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errNoChange
		}

		if err := tx.Create(&models.JobError{JobID: jobID, BatchID: batchID, Message: message}).Error; err != nil {
			return err
		}

		job, err = loadJob(tx, jobID)
		if err != nil {
			return err
		}
		if err := refreshProgress(tx, job); err != nil {
			return err
		}
		result.Finalized, err = finalize(tx, job)
		result.Job = job
		return err
	})
	if errors.Is(err, errNoChange) {
		result.Duplicate = true
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SealDispatch marks the job's denominator as final. A job whose batches have all
// reported in by then is finalized here.
func (r *JobRepository) SealDispatch(ctx context.Context, jobID string) (*models.CompletionResult, error) {
	result := &models.CompletionResult{}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Job{}).
			Where("id = ? AND dispatch_sealed = ?", jobID, false).
			Update("dispatch_sealed", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			result.Duplicate = true
		}

		job, err := loadJob(tx, jobID)
		if err != nil {
			return err
		}
		if err := refreshProgress(tx, job); err != nil {
			return err
		}
		result.Finalized, err = finalize(tx, job)
		result.Job = job
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// IsCancelRequested reports whether a cancel was requested for the job.
func (r *JobRepository) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var job models.Job
	err := r.db.WithContext(ctx).Select("id", "cancel_requested").Where("id = ?", id).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrJobNotFound
		}
		return false, err
	}
	return job.CancelRequested, nil
}

// RequestCancel flags a queued or active job for cancellation. It reports false
// when the job is already terminal or already flagged.
func (r *JobRepository) RequestCancel(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status IN ? AND cancel_requested = ?", id, models.ActiveJobStatuses(), false).
		Update("cancel_requested", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FailStaleJobs fails every non-terminal job that has not been touched since cutoff
// and returns the jobs it changed.
func (r *JobRepository) FailStaleJobs(ctx context.Context, cutoff time.Time, message string) ([]models.Job, error) {
	var candidates []models.Job
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", models.ActiveJobStatuses(), cutoff).
		Order("created_at ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	failed := make([]models.Job, 0, len(candidates))
	for _, candidate := range candidates {
		now := time.Now().UTC()
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.Job{}).
				Where("id = ? AND status IN ? AND updated_at < ?", candidate.ID, models.ActiveJobStatuses(), cutoff).
				Updates(map[string]interface{}{
					"status":      models.JobStatusFailed,
					"error_count": gorm.Expr("error_count + 1"),
					"finished_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errNoChange
			}
			return tx.Create(&models.JobError{JobID: candidate.ID, BatchID: -1, Message: message}).Error
		})
		if errors.Is(err, errNoChange) {
			continue
		}
		if err != nil {
			return failed, err
		}
		candidate.Status = models.JobStatusFailed
		candidate.FinishedAt = &now
		failed = append(failed, candidate)
	}
	return failed, nil
}

func loadJob(tx *gorm.DB, id string) (*models.Job, error) {
	var job models.Job
	if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// refreshProgress stores the progress derived from the counters. Progress only moves forward.
func refreshProgress(tx *gorm.DB, job *models.Job) error {
	progress := models.ComputeProgress(job.BatchesCompleted, job.TotalBatches)
	if progress <= job.Progress {
		return nil
	}
	res := tx.Model(&models.Job{}).
		Where("id = ? AND progress < ?", job.ID, progress).
		Update("progress", progress)
	if res.Error != nil {
		return res.Error
	}
	job.Progress = progress
	return nil
}

// finalize performs the terminal transition. The WHERE clause re-checks every
// precondition so exactly one caller wins when the last reports race.
func finalize(tx *gorm.DB, job *models.Job) (bool, error) {
	if job.Status.IsTerminal() || !job.DispatchSealed || job.BatchesCompleted != job.TotalBatches {
		return false, nil
	}

	status := job.ResolveTerminalStatus()
	now := time.Now().UTC()
	res := tx.Model(&models.Job{}).
		Where("id = ? AND status IN ? AND dispatch_sealed = ? AND batches_completed = total_batches",
			job.ID, models.ActiveJobStatuses(), true).
		Updates(map[string]interface{}{
			"status":      status,
			"progress":    100,
			"finished_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	job.Status = status
	job.Progress = 100
	job.FinishedAt = &now
	return true, nil
}

func reportErrors(report models.BatchReport) []models.JobError {
	errs := make([]models.JobError, 0, len(report.Errors)+1)
	for _, e := range report.Errors {
		e.ID = 0
		e.JobID = report.JobID
		e.BatchID = report.BatchID
		errs = append(errs, e)
	}
	if report.Outcome == models.BatchFailed {
		msg := report.Message
		if msg == "" {
			msg = "batch failed"
		}
		errs = append(errs, models.JobError{JobID: report.JobID, BatchID: report.BatchID, Message: msg})
	}
	return errs
}
