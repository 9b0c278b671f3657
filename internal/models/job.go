package models

import "time"

// JobStatus is the lifecycle state of a sync job.
type JobStatus string

const (
	JobStatusQueued              JobStatus = "queued"
	JobStatusActive              JobStatus = "active"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"
	JobStatusFailed              JobStatus = "failed"
	JobStatusCancelled           JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions can happen.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ActiveJobStatuses lists the statuses a job holds while batches may still report in.
func ActiveJobStatuses() []string {
	return []string{string(JobStatusQueued), string(JobStatusActive)}
}

// BatchOutcome is the resolved result of one batch.
type BatchOutcome string

const (
	BatchSucceeded   BatchOutcome = "succeeded"
	BatchFailed      BatchOutcome = "failed"
	BatchCancelled   BatchOutcome = "cancelled"
	BatchUnpublished BatchOutcome = "unpublished"
)

// Job stores one shop-wide synchronization run. Counters are only ever changed
// through conditional updates in the job repository.
type Job struct {
	ID               string     `gorm:"column:id;primaryKey;size:36" json:"id"`
	ShopID           uint       `gorm:"column:shop_id;index:idx_sync_jobs_shop_status,priority:1" json:"shop_id"`
	Status           JobStatus  `gorm:"column:status;size:30;index:idx_sync_jobs_shop_status,priority:2" json:"status"`
	Progress         int        `gorm:"column:progress;default:0" json:"progress"`
	TotalProducts    int        `gorm:"column:total_products;default:0" json:"total_products"`
	PlannedBatches   int        `gorm:"column:planned_batches;default:0" json:"planned_batches"`
	TotalBatches     int        `gorm:"column:total_batches;default:0" json:"total_batches"`
	BatchesCompleted int        `gorm:"column:batches_completed;default:0" json:"batches_completed"`
	FailedBatches    int        `gorm:"column:failed_batches;default:0" json:"failed_batches"`
	ErrorCount       int        `gorm:"column:error_count;default:0" json:"error_count"`
	DispatchSealed   bool       `gorm:"column:dispatch_sealed;default:false" json:"dispatch_sealed"`
	CancelRequested  bool       `gorm:"column:cancel_requested;default:false" json:"cancel_requested"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime;index" json:"created_at"`
	StartedAt        *time.Time `gorm:"column:started_at" json:"started_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
	FinishedAt       *time.Time `gorm:"column:finished_at" json:"finished_at"`
	Errors           []JobError `gorm:"foreignKey:JobID" json:"errors,omitempty"`
}

func (Job) TableName() string {
	return "sync_jobs"
}

// ResolveTerminalStatus picks the terminal status for a job whose batches have all
// been accounted for.
func (j *Job) ResolveTerminalStatus() JobStatus {
	switch {
	case j.CancelRequested:
		return JobStatusCancelled
	case j.PlannedBatches > 0 && (j.TotalBatches == 0 || j.FailedBatches == j.TotalBatches):
		return JobStatusFailed
	case j.ErrorCount > 0:
		return JobStatusCompletedWithErrors
	default:
		return JobStatusCompleted
	}
}

// ComputeProgress returns floor(100 * completed / total). A job without batches is
// reported as done.
func ComputeProgress(completed, total int) int {
	if total <= 0 {
		return 100
	}
	if completed >= total {
		return 100
	}
	return completed * 100 / total
}

// JobError is one entry of a job's append-only error list. ProductID is nil for
// batch-level errors.
type JobError struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	JobID     string    `gorm:"column:job_id;size:36;index:idx_sync_job_errors_job" json:"job_id"`
	BatchID   int       `gorm:"column:batch_id" json:"batch_id"`
	ProductID *uint     `gorm:"column:product_id" json:"product_id,omitempty"`
	Message   string    `gorm:"column:message;type:text" json:"message"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (JobError) TableName() string {
	return "sync_job_errors"
}

// BatchCompletion is the completion log. The composite primary key makes a second
// report for the same batch a detectable no-op.
type BatchCompletion struct {
	JobID     string       `gorm:"column:job_id;primaryKey;size:36" json:"job_id"`
	BatchID   int          `gorm:"column:batch_id;primaryKey;autoIncrement:false" json:"batch_id"`
	Outcome   BatchOutcome `gorm:"column:outcome;size:20" json:"outcome"`
	CreatedAt time.Time    `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (BatchCompletion) TableName() string {
	return "sync_batch_completions"
}

// BatchReport is a worker's terminal report for one delivered batch.
type BatchReport struct {
	JobID   string
	BatchID int
	Outcome BatchOutcome
	Message string
	Errors  []JobError
}

// CompletionResult describes what recording a report did to the job.
type CompletionResult struct {
	Job       *Job
	Duplicate bool
	Finalized bool
}
