package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"datasync/internal/models"
	"datasync/internal/pkg/testdb"
)

func newJob(t *testing.T, repo *JobRepository, batches int, sealed bool) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:             uuid.NewString(),
		ShopID:         1,
		Status:         models.JobStatusQueued,
		TotalProducts:  batches * 5,
		PlannedBatches: batches,
		TotalBatches:   batches,
		DispatchSealed: sealed,
	}
	require.NoError(t, repo.CreateJob(context.Background(), job))
	return job
}

func report(jobID string, batchID int, outcome models.BatchOutcome) models.BatchReport {
	return models.BatchReport{JobID: jobID, BatchID: batchID, Outcome: outcome}
}

func TestJobRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("get missing job", func(t *testing.T) {
		repo := NewJobRepository(testdb.New(t))
		_, err := repo.GetJob(ctx, "missing")
		require.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("mark active only once", func(t *testing.T) {
		repo := NewJobRepository(testdb.New(t))
		job := newJob(t, repo, 2, true)

		changed, err := repo.MarkActive(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, changed)

		changed, err = repo.MarkActive(ctx, job.ID)
		require.NoError(t, err)
		require.False(t, changed)

		got, err := repo.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, models.JobStatusActive, got.Status)
		require.NotNil(t, got.StartedAt)
	})

	t.Run("find active job prefers newest", func(t *testing.T) {
		db := testdb.New(t)
		repo := NewJobRepository(db)

		none, err := repo.FindActiveJob(ctx, 1)
		require.NoError(t, err)
		require.Nil(t, none)

		older := newJob(t, repo, 1, true)
		require.NoError(t, db.Model(&models.Job{}).Where("id = ?", older.ID).
			Update("created_at", time.Now().UTC().Add(-time.Hour)).Error)
		newer := newJob(t, repo, 1, true)

		got, err := repo.FindActiveJob(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, newer.ID, got.ID)
	})

	t.Run("duplicate report is a no-op", func(t *testing.T) {
		repo := NewJobRepository(testdb.New(t))
		job := newJob(t, repo, 3, true)

		res, err := repo.RecordBatchCompletion(ctx, report(job.ID, 0, models.BatchSucceeded))
		require.NoError(t, err)
		require.False(t, res.Duplicate)
		require.Equal(t, 1, res.Job.BatchesCompleted)
		require.Equal(t, 33, res.Job.Progress)

		res, err = repo.RecordBatchCompletion(ctx, report(job.ID, 0, models.BatchSucceeded))
		require.NoError(t, err)
		require.True(t, res.Duplicate)

		got, err := repo.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, 1, got.BatchesCompleted)
	})

	t.Run("duplicate failed report appends errors once", func(t *testing.T) {
		repo := NewJobRepository(testdb.New(t))
		job := newJob(t, repo, 2, true)

		failed := models.BatchReport{JobID: job.ID, BatchID: 1, Outcome: models.BatchFailed, Message: "scraper unavailable"}
		_, err := repo.RecordBatchCompletion(ctx, failed)
		require.NoError(t, err)
		_, err = repo.RecordBatchCompletion(ctx, failed)
		require.NoError(t, err)

		got, err := repo.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, got.Errors, 1)
		require.Equal(t, "scraper unavailable", got.Errors[0].Message)
		require.Equal(t, 1, got.FailedBatches)
	})

	t.Run("never exceeds total batches", func(t *testing.T) {
		repo := NewJobRepository(testdb.New(t))
		job := newJob(t, repo, 2, false)

		for batchID := 0; batchID < 4; batchID++ {
			_, err := repo.RecordBatchCompletion(ctx, report(job.ID, batchID, models.BatchSucceeded))
			require.NoError(t, err)
		}

		got, err := repo.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, 2, got.BatchesCompleted)
		require.Equal(t, 2, got.TotalBatches)
	})

	t.Run("terminal status never reverts", func(t *testing.T) {
		repo := NewJobRepository(testdb.New(t))
		job := newJob(t, repo, 1, true)

		res, err := repo.RecordBatchCompletion(ctx, report(job.ID, 0, models.BatchSucceeded))
		require.NoError(t, err)
		require.True(t, res.Finalized)
		require.Equal(t, models.JobStatusCompleted, res.Job.Status)

		changed, err := repo.MarkActive(ctx, job.ID)
		require.NoError(t, err)
		require.False(t, changed)

		res, err = repo.RecordBatchCompletion(ctx, report(job.ID, 0, models.BatchFailed))
		require.NoError(t, err)
		require.True(t, res.Duplicate)

		got, err := repo.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, models.JobStatusCompleted, got.Status)
		require.Equal(t, 100, got.Progress)
		require.NotNil(t, got.FinishedAt)
	})

	t.Run("concurrent reports are all counted", func(t *testing.T) {
		repo := NewJobRepository(testdb.New(t))
		const batches = 20
		job := newJob(t, repo, batches, true)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			finalized int
		)
		for batchID := 0; batchID < batches; batchID++ {
			wg.Add(1)
			go func(batchID int) {
				defer wg.Done()
				res, err := repo.RecordBatchCompletion(ctx, report(job.ID, batchID, models.BatchSucceeded))
				if !assert.NoError(t, err) {
					return
				}
				assert.False(t, res.Duplicate)
				if res.Finalized {
					mu.Lock()
					finalized++
					mu.Unlock()
				}
			}(batchID)
		}
		wg.Wait()

		got, err := repo.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, batches, got.BatchesCompleted)
		require.Equal(t, models.JobStatusCompleted, got.Status)
		require.Equal(t, 1, finalized)
	})

	t.Run("unsealed job waits for seal", func(t *testing.T) {
		repo := NewJobRepository(testdb.New(t))
		job := newJob(t, repo, 2, false)

		for batchID := 0; batchID < 2; batchID++ {
			res, err := repo.RecordBatchCompletion(ctx, report(job.ID, batchID, models.BatchSucceeded))
			require.NoError(t, err)
			require.False(t, res.Finalized)
		}

		res, err := repo.SealDispatch(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, res.Finalized)
		require.Equal(t, models.JobStatusCompleted, res.Job.Status)

		res, err = repo.SealDispatch(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, res.Duplicate)
		require.False(t, res.Finalized)
	})

	t.Run("terminal status resolution", func(t *testing.T) {
		testCases := []struct {
			name     string
			outcomes []models.BatchOutcome
			status   models.JobStatus
			errors   int
		}{
			{
				name:     "all succeeded",
				outcomes: []models.BatchOutcome{models.BatchSucceeded, models.BatchSucceeded, models.BatchSucceeded, models.BatchSucceeded},
				status:   models.JobStatusCompleted,
			},
			{
				name:     "one of four failed",
				outcomes: []models.BatchOutcome{models.BatchSucceeded, models.BatchFailed, models.BatchSucceeded, models.BatchSucceeded},
				status:   models.JobStatusCompletedWithErrors,
				errors:   1,
			},
			{
				name:     "all failed",
				outcomes: []models.BatchOutcome{models.BatchFailed, models.BatchFailed},
				status:   models.JobStatusFailed,
				errors:   2,
			},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				repo := NewJobRepository(testdb.New(t))
				job := newJob(t, repo, len(tc.outcomes), true)
				for batchID, outcome := range tc.outcomes {
					_, err := repo.RecordBatchCompletion(ctx, report(job.ID, batchID, outcome))
					require.NoError(t, err)
				}
				got, err := repo.GetJob(ctx, job.ID)
				require.NoError(t, err)
				require.Equal(t, tc.status, got.Status)
				require.Equal(t, 100, got.Progress)
				require.Len(t, got.Errors, tc.errors)
			})
		}
	})

	t.Run("shrink total batches", func(t *testing.T) {
		repo := NewJobRepository(testdb.New(t))
		job := newJob(t, repo, 3, false)

		_, err := repo.RecordBatchCompletion(ctx, report(job.ID, 0, models.BatchSucceeded))
		require.NoError(t, err)

		res, err := repo.ShrinkTotalBatches(ctx, job.ID, 2, "publish failed")
		require.NoError(t, err)
		require.False(t, res.Duplicate)
		require.Equal(t, 2, res.Job.TotalBatches)
		require.Equal(t, 50, res.Job.Progress)

		// The same batch cannot be dropped twice.
		res, err = repo.ShrinkTotalBatches(ctx, job.ID, 2, "publish failed")
		require.NoError(t, err)
		require.True(t, res.Duplicate)

		// A batch that already reported in stays counted.
		res, err = repo.ShrinkTotalBatches(ctx, job.ID, 0, "publish failed")
		require.NoError(t, err)
		require.True(t, res.Duplicate)

		_, err = repo.RecordBatchCompletion(ctx, report(job.ID, 1, models.BatchSucceeded))
		require.NoError(t, err)
		res, err = repo.SealDispatch(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, res.Finalized)
		require.Equal(t, models.JobStatusCompletedWithErrors, res.Job.Status)

		got, err := repo.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, got.Errors, 1)
	})

	t.Run("nothing published fails the job", func(t *testing.T) {
		repo := NewJobRepository(testdb.New(t))
		job := newJob(t, repo, 2, false)

		for batchID := 0; batchID < 2; batchID++ {
			_, err := repo.ShrinkTotalBatches(ctx, job.ID, batchID, "publish failed")
			require.NoError(t, err)
		}
		res, err := repo.SealDispatch(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, res.Finalized)
		require.Equal(t, models.JobStatusFailed, res.Job.Status)
		require.Equal(t, 0, res.Job.TotalBatches)
	})

	t.Run("cancel", func(t *testing.T) {
		repo := NewJobRepository(testdb.New(t))
		job := newJob(t, repo, 2, true)

		requested, err := repo.IsCancelRequested(ctx, job.ID)
		require.NoError(t, err)
		require.False(t, requested)

		changed, err := repo.RequestCancel(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, changed)

		changed, err = repo.RequestCancel(ctx, job.ID)
		require.NoError(t, err)
		require.False(t, changed)

		requested, err = repo.IsCancelRequested(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, requested)

		for batchID := 0; batchID < 2; batchID++ {
			_, err := repo.RecordBatchCompletion(ctx, report(job.ID, batchID, models.BatchCancelled))
			require.NoError(t, err)
		}
		got, err := repo.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, models.JobStatusCancelled, got.Status)

		changed, err = repo.RequestCancel(ctx, job.ID)
		require.NoError(t, err)
		require.False(t, changed)
	})

	t.Run("fail stale jobs", func(t *testing.T) {
		db := testdb.New(t)
		repo := NewJobRepository(db)
		stale := newJob(t, repo, 2, true)
		fresh := newJob(t, repo, 2, true)
		done := newJob(t, repo, 1, true)
		_, err := repo.RecordBatchCompletion(ctx, report(done.ID, 0, models.BatchSucceeded))
		require.NoError(t, err)

		old := time.Now().UTC().Add(-2 * time.Hour)
		require.NoError(t, db.Model(&models.Job{}).Where("id IN ?", []string{stale.ID, done.ID}).
			UpdateColumn("updated_at", old).Error)

		failed, err := repo.FailStaleJobs(ctx, time.Now().UTC().Add(-time.Hour), "job timed out")
		require.NoError(t, err)
		require.Len(t, failed, 1)
		require.Equal(t, stale.ID, failed[0].ID)

		got, err := repo.GetJob(ctx, stale.ID)
		require.NoError(t, err)
		require.Equal(t, models.JobStatusFailed, got.Status)
		require.Len(t, got.Errors, 1)

		got, err = repo.GetJob(ctx, fresh.ID)
		require.NoError(t, err)
		require.Equal(t, models.JobStatusQueued, got.Status)

		got, err = repo.GetJob(ctx, done.ID)
		require.NoError(t, err)
		require.Equal(t, models.JobStatusCompleted, got.Status)
	})
}

func TestJobRepository_GormNotFoundIsTranslated(t *testing.T) {
	repo := NewJobRepository(testdb.New(t))
	_, err := repo.IsCancelRequested(context.Background(), "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
	require.NotErrorIs(t, err, gorm.ErrRecordNotFound)
}
