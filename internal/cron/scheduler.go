package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"datasync/internal/config"
	"datasync/internal/models"
	"datasync/internal/pipeline"
	"datasync/internal/repository"
)

const staleJobMessage = "job timed out waiting for batch reports"

type StaleJobSweeper interface {
	FailStaleJobs(ctx context.Context, cutoff time.Time, message string) ([]models.Job, error)
}

type ActiveShops interface {
	ListActive(ctx context.Context) ([]models.Shop, error)
}

type SyncStarter interface {
	StartSync(ctx context.Context, shopID uint) (*pipeline.SyncResult, error)
}

// CronDeps bundles what the cron jobs need. Mirror and Activities are optional.
type CronDeps struct {
	Jobs       StaleJobSweeper
	Shops      ActiveShops
	Sync       SyncStarter
	Mirror     pipeline.StatusMirror
	Activities pipeline.ActivityLogger
}

// Scheduler manages all cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	cfg    config.CronConfig
	deps   CronDeps
	logger *zap.Logger
	now    func() time.Time
}

// New creates a new cron scheduler.
func New(cfg config.CronConfig, deps CronDeps, logger *zap.Logger) *Scheduler {
	if cfg.StaleJobAfter <= 0 {
		cfg.StaleJobAfter = time.Hour
	}
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}
}

// Start registers and starts all cron jobs.
func (s *Scheduler) Start() error {
	s.logger.Info("Starting cron scheduler...")

	// Stale job sweep - every minute
	if _, err := s.cron.AddFunc("0 * * * * *", func() {
		s.logger.Debug("Running: stale job sweep")
		s.sweepStaleJobs()
	}); err != nil {
		return fmt.Errorf("register stale job sweep: %w", err)
	}

	if s.cfg.AutoSyncSpec != "" {
		if _, err := s.cron.AddFunc(s.cfg.AutoSyncSpec, func() {
			s.logger.Debug("Running: auto sync")
			s.autoSync()
		}); err != nil {
			return fmt.Errorf("register auto sync %q: %w", s.cfg.AutoSyncSpec, err)
		}
	}

	s.cron.Start()
	s.logger.Info("Cron scheduler started")
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// sweepStaleJobs fails jobs whose batches stopped reporting, e.g. because every
// worker holding them died.
func (s *Scheduler) sweepStaleJobs() {
	defer s.recoverFromPanic("sweepStaleJobs")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := s.now().UTC().Add(-s.cfg.StaleJobAfter)
	failed, err := s.deps.Jobs.FailStaleJobs(ctx, cutoff, staleJobMessage)
	if err != nil {
		s.logger.Error("Stale job sweep failed", zap.Error(err))
	}

	for _, job := range failed {
		s.logger.Warn("Stale sync job failed",
			zap.String("job_id", job.ID),
			zap.Uint("shop_id", job.ShopID),
			zap.Int("batches_completed", job.BatchesCompleted),
			zap.Int("total_batches", job.TotalBatches),
		)
		if s.deps.Mirror != nil {
			if err := s.deps.Mirror.SetStatus(ctx, job.ShopID, job.Status); err != nil {
				s.logger.Warn("Failed to mirror job status", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
		if s.deps.Activities != nil {
			desc := fmt.Sprintf("Sync failed: %s", staleJobMessage)
			if err := s.deps.Activities.Log(ctx, job.ShopID, repository.ActivitySyncFinished, desc); err != nil {
				s.logger.Warn("Failed to log activity", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) autoSync() {
	defer s.recoverFromPanic("autoSync")

	ctx := context.Background()
	shops, err := s.deps.Shops.ListActive(ctx)
	if err != nil {
		s.logger.Error("Failed to list shops for auto sync", zap.Error(err))
		return
	}

	started := 0
	for _, shop := range shops {
		res, err := s.deps.Sync.StartSync(ctx, shop.ID)
		if errors.Is(err, pipeline.ErrNoProducts) {
			continue
		}
		if err != nil {
			s.logger.Error("Auto sync failed", zap.Uint("shop_id", shop.ID), zap.Error(err))
			continue
		}
		if !res.Existing {
			started++
		}
	}
	s.logger.Info("Auto sync finished", zap.Int("shops", len(shops)), zap.Int("started", started))
}

func (s *Scheduler) recoverFromPanic(jobName string) {
	if r := recover(); r != nil {
		s.logger.Error("Cron job panicked", zap.String("job", jobName), zap.Any("error", r))
	}
}
