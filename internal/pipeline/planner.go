package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"datasync/internal/models"
)

type PlannerConfig struct {
	BatchSize   int
	MaxProducts int
	// RejectEmpty makes a shop without eligible products a planning error instead
	// of an immediately completed job.
	RejectEmpty bool
}

// Plan is a created job together with its batches, in batch id order.
type Plan struct {
	Job     *models.Job
	Batches [][]uint
}

type Planner struct {
	cfg      PlannerConfig
	shops    ShopStore
	products ProductSource
	jobs     JobStore
	logger   *zap.Logger
}

func NewPlanner(cfg PlannerConfig, shops ShopStore, products ProductSource, jobs JobStore, logger *zap.Logger) *Planner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.MaxProducts <= 0 {
		cfg.MaxProducts = 30
	}
	return &Planner{cfg: cfg, shops: shops, products: products, jobs: jobs, logger: logger}
}

// SplitBatches chunks ids into consecutive batches of at most size ids.
func SplitBatches(ids []uint, size int) [][]uint {
	if len(ids) == 0 {
		return nil
	}
	if size <= 0 {
		size = 1
	}
	return lo.Chunk(ids, size)
}

// PlanJob selects the shop's eligible products, splits them into batches and
// stores a queued job. A shop without products yields a job that is already
// completed, unless the planner rejects empty shops.
func (p *Planner) PlanJob(ctx context.Context, shopID uint) (*Plan, error) {
	shop, err := p.shops.FindByID(ctx, shopID)
	if err != nil {
		return nil, err
	}

	ids, err := p.products.ListEligibleIDs(ctx, shop.ID, p.cfg.MaxProducts)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	if len(ids) == 0 && p.cfg.RejectEmpty {
		return nil, ErrNoProducts
	}

	batches := SplitBatches(ids, p.cfg.BatchSize)
	job := &models.Job{
		ID:             uuid.NewString(),
		ShopID:         shop.ID,
		Status:         models.JobStatusQueued,
		TotalProducts:  len(ids),
		PlannedBatches: len(batches),
		TotalBatches:   len(batches),
	}
	if len(batches) == 0 {
		now := time.Now().UTC()
		job.Status = models.JobStatusCompleted
		job.Progress = 100
		job.DispatchSealed = true
		job.FinishedAt = &now
	}

	if err := p.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	p.logger.Info("sync job planned",
		zap.String("job_id", job.ID),
		zap.Uint("shop_id", shop.ID),
		zap.Int("products", len(ids)),
		zap.Int("batches", len(batches)),
	)
	return &Plan{Job: job, Batches: batches}, nil
}
