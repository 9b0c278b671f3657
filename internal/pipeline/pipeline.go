// Package pipeline runs shop sync jobs: it plans a job into batches, publishes
// them onto the Work Queue, processes them in a worker pool and folds every batch
// report into the job's durable progress.
package pipeline

import (
	"context"
	"errors"

	"datasync/internal/models"
	"datasync/internal/repository"
)

var (
	ErrShopNotFound = repository.ErrShopNotFound
	ErrJobNotFound  = repository.ErrJobNotFound
	ErrNoProducts   = errors.New("shop has no eligible products")
)

// JobStore is the durable job record. Implementations must perform duplicate
// detection and the terminal transition atomically inside RecordBatchCompletion.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	FindActiveJob(ctx context.Context, shopID uint) (*models.Job, error)
	MarkActive(ctx context.Context, id string) (bool, error)
	RecordBatchCompletion(ctx context.Context, report models.BatchReport) (*models.CompletionResult, error)
	ShrinkTotalBatches(ctx context.Context, jobID string, batchID int, message string) (*models.CompletionResult, error)
	SealDispatch(ctx context.Context, jobID string) (*models.CompletionResult, error)
	IsCancelRequested(ctx context.Context, id string) (bool, error)
	RequestCancel(ctx context.Context, id string) (bool, error)
}

type ShopStore interface {
	FindByID(ctx context.Context, id uint) (*models.Shop, error)
}

type ProductSource interface {
	ListEligibleIDs(ctx context.Context, shopID uint, limit int) ([]uint, error)
}

// ProductUpdater refreshes one product from its marketplace source. It must be
// idempotent because a batch may be delivered more than once.
type ProductUpdater interface {
	UpdateProduct(ctx context.Context, productID uint) error
}

type StatusMirror interface {
	SetStatus(ctx context.Context, shopID uint, status models.JobStatus) error
}

type ActivityLogger interface {
	Log(ctx context.Context, shopID uint, kind, description string) error
}
