package pipeline

import (
	"context"
	"time"

	"datasync/internal/models"
)

// JobSummary is the polling view of a job.
type JobSummary struct {
	JobID            string           `json:"jobId"`
	ShopID           uint             `json:"shopId"`
	Status           models.JobStatus `json:"status"`
	Progress         int              `json:"progress"`
	TotalProducts    int              `json:"totalProducts"`
	TotalBatches     int              `json:"totalBatches"`
	BatchesCompleted int              `json:"batchesCompleted"`
	FailedBatches    int              `json:"failedBatches"`
	CancelRequested  bool             `json:"cancelRequested"`
	Errors           []ErrorSummary   `json:"errors"`
	CreatedAt        time.Time        `json:"createdAt"`
	StartedAt        *time.Time       `json:"startedAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
	FinishedAt       *time.Time       `json:"finishedAt,omitempty"`
}

type ErrorSummary struct {
	BatchID   int    `json:"batchId"`
	ProductID *uint  `json:"productId,omitempty"`
	Message   string `json:"message"`
}

func NewJobSummary(job *models.Job) *JobSummary {
	s := &JobSummary{
		JobID:            job.ID,
		ShopID:           job.ShopID,
		Status:           job.Status,
		Progress:         job.Progress,
		TotalProducts:    job.TotalProducts,
		TotalBatches:     job.TotalBatches,
		BatchesCompleted: job.BatchesCompleted,
		FailedBatches:    job.FailedBatches,
		CancelRequested:  job.CancelRequested,
		Errors:           make([]ErrorSummary, 0, len(job.Errors)),
		CreatedAt:        job.CreatedAt,
		StartedAt:        job.StartedAt,
		UpdatedAt:        job.UpdatedAt,
		FinishedAt:       job.FinishedAt,
	}
	for _, e := range job.Errors {
		s.Errors = append(s.Errors, ErrorSummary{BatchID: e.BatchID, ProductID: e.ProductID, Message: e.Message})
	}
	return s
}

// StatusService answers read-only progress queries.
type StatusService struct {
	jobs JobStore
}

func NewStatusService(jobs JobStore) *StatusService {
	return &StatusService{jobs: jobs}
}

// GetActiveJob returns the newest queued or active job of a shop, or nil.
func (s *StatusService) GetActiveJob(ctx context.Context, shopID uint) (*JobSummary, error) {
	job, err := s.jobs.FindActiveJob(ctx, shopID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	return NewJobSummary(job), nil
}

// GetJobStatus returns a job by id or ErrJobNotFound.
func (s *StatusService) GetJobStatus(ctx context.Context, jobID string) (*JobSummary, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return NewJobSummary(job), nil
}
