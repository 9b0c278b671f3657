package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// SyncResult is the answer to a sync request. Existing is set when the shop
// already had a job in flight and no new job was planned.
type SyncResult struct {
	Job      *JobSummary     `json:"job"`
	Existing bool            `json:"existing"`
	Dispatch *DispatchReport `json:"-"`
}

// Service starts and cancels sync jobs.
type Service struct {
	planner    *Planner
	dispatcher *Dispatcher
	aggregator *Aggregator
	status     *StatusService
	jobs       JobStore
	logger     *zap.Logger

	shopLocks sync.Map // shop id -> *sync.Mutex
}

func NewService(planner *Planner, dispatcher *Dispatcher, aggregator *Aggregator, jobs JobStore, logger *zap.Logger) *Service {
	return &Service{
		planner:    planner,
		dispatcher: dispatcher,
		aggregator: aggregator,
		status:     NewStatusService(jobs),
		jobs:       jobs,
		logger:     logger,
	}
}

// Status exposes the read side.
func (s *Service) Status() *StatusService {
	return s.status
}

// StartSync plans and dispatches a job for the shop, or returns the shop's job
// that is still in flight.
func (s *Service) StartSync(ctx context.Context, shopID uint) (*SyncResult, error) {
	lock := s.shopLock(shopID)
	lock.Lock()
	defer lock.Unlock()

	active, err := s.status.GetActiveJob(ctx, shopID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		s.logger.Info("sync already in progress", zap.Uint("shop_id", shopID), zap.String("job_id", active.JobID))
		return &SyncResult{Job: active, Existing: true}, nil
	}

	plan, err := s.planner.PlanJob(ctx, shopID)
	if err != nil {
		return nil, err
	}
	s.aggregator.Started(ctx, plan.Job)

	result := &SyncResult{}
	if len(plan.Batches) > 0 {
		// Publishing must finish even if the requesting client goes away.
		report, err := s.dispatcher.Dispatch(context.WithoutCancel(ctx), plan.Job, plan.Batches)
		if err != nil {
			s.logger.Error("dispatch incomplete", zap.String("job_id", plan.Job.ID), zap.Error(err))
		}
		result.Dispatch = report
	}

	job, err := s.status.GetJobStatus(ctx, plan.Job.ID)
	if err != nil {
		return nil, err
	}
	result.Job = job
	return result, nil
}

// CancelJob asks the workers to stop the job between products. Batches already
// delivered still report in, so the job ends in the cancelled status.
func (s *Service) CancelJob(ctx context.Context, jobID string) (*JobSummary, error) {
	changed, err := s.jobs.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job, err := s.status.GetJobStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.Info("sync job cancel requested", zap.String("job_id", jobID))
	}
	return job, nil
}

func (s *Service) shopLock(shopID uint) *sync.Mutex {
	v, _ := s.shopLocks.LoadOrStore(shopID, &sync.Mutex{})
	return v.(*sync.Mutex)
}
