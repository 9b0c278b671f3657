package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"datasync/internal/middleware"
	"datasync/internal/models"
	"datasync/internal/pipeline"
	"datasync/internal/pkg/testdb"
	"datasync/internal/queue"
	"datasync/internal/repository"
)

type apiHarness struct {
	handler  *SyncHandler
	shops    *repository.ShopRepository
	products *repository.ProductRepository
	jobs     *repository.JobRepository
	queue    *queue.MemoryQueue
}

func newAPIHarness(t *testing.T, limit int) *apiHarness {
	t.Helper()
	db := testdb.New(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := zap.NewNop()
	h := &apiHarness{
		shops:    repository.NewShopRepository(db),
		products: repository.NewProductRepository(db),
		jobs:     repository.NewJobRepository(db),
		queue:    queue.NewMemoryQueue(queue.MemoryOptions{}),
	}
	t.Cleanup(func() { _ = h.queue.Close() })

	activities := repository.NewActivityRepository(db)
	cache := repository.NewStatusCache(client, time.Hour)
	aggregator := pipeline.NewAggregator(h.jobs, cache, activities, logger)
	planner := pipeline.NewPlanner(pipeline.PlannerConfig{BatchSize: 5, MaxProducts: 30}, h.shops, h.products, h.jobs, logger)
	dispatcher := pipeline.NewDispatcher(h.queue, aggregator, pipeline.DispatcherConfig{MaxRetries: 1, RetryBaseDelay: time.Millisecond}, logger)
	service := pipeline.NewService(planner, dispatcher, aggregator, h.jobs, logger)

	h.handler = NewSyncHandler(SyncDeps{
		Service:    service,
		Shops:      h.shops,
		Activities: activities,
		Statuses:   cache,
		Limiter:    middleware.NewSyncLimiter(client, middleware.LimiterOptions{Points: limit, Window: time.Hour, Block: time.Hour}),
	}, logger)
	return h
}

func (h *apiHarness) seed(t *testing.T, name string, n int) *models.Shop {
	t.Helper()
	ctx := context.Background()
	shop, err := h.shops.FindOrCreateByName(ctx, name)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, h.products.Create(ctx, &models.Product{
			ShopID:    shop.ID,
			SKU:       fmt.Sprintf("SKU-%d", i),
			SourceURL: fmt.Sprintf("https://example.com/%s/%d", name, i),
		}))
	}
	return shop
}

type envelope struct {
	Status bool            `json:"status"`
	Msg    string          `json:"msg"`
	Obj    json.RawMessage `json:"obj"`
}

func (h *apiHarness) post(t *testing.T, body string) (int, envelope) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	require.NoError(t, h.handler.Handle(e.NewContext(req, rec)))

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec.Code, env
}

func TestSyncHandler_SyncAndPoll(t *testing.T) {
	h := newAPIHarness(t, 3)
	shop := h.seed(t, "demo.myshopify.com", 12)

	code, env := h.post(t, fmt.Sprintf(`{"actions":"sync","shopId":%d}`, shop.ID))
	require.Equal(t, http.StatusOK, code)
	require.True(t, env.Status)
	require.Equal(t, "Sync started", env.Msg)

	var started struct {
		Job      pipeline.JobSummary `json:"job"`
		Existing bool                `json:"existing"`
	}
	require.NoError(t, json.Unmarshal(env.Obj, &started))
	require.False(t, started.Existing)
	require.Equal(t, 3, started.Job.TotalBatches)
	require.Equal(t, models.JobStatusQueued, started.Job.Status)
	require.Equal(t, 3, h.queue.Len())

	code, env = h.post(t, fmt.Sprintf(`{"actions":"checkJobStatus","jobId":%q}`, started.Job.JobID))
	require.Equal(t, http.StatusOK, code)
	var polled pipeline.JobSummary
	require.NoError(t, json.Unmarshal(env.Obj, &polled))
	require.Equal(t, started.Job.JobID, polled.JobID)
	require.Equal(t, 0, polled.Progress)

	// No jobId: the shop's active job.
	code, env = h.post(t, `{"actions":"checkJobStatus","shop":"demo.myshopify.com"}`)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Obj, &polled))
	require.Equal(t, started.Job.JobID, polled.JobID)

	code, env = h.post(t, `{"actionType":"sync","shop":"demo.myshopify.com"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Sync already in progress", env.Msg)
	require.Equal(t, 3, h.queue.Len())

	code, env = h.post(t, fmt.Sprintf(`{"actions":"syncStatus","shopId":%d}`, shop.ID))
	require.Equal(t, http.StatusOK, code)
	var mirror struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Obj, &mirror))
	require.Equal(t, string(models.JobStatusQueued), mirror.Status)

	code, env = h.post(t, fmt.Sprintf(`{"actions":"recentActivities","shopId":%d}`, shop.ID))
	require.Equal(t, http.StatusOK, code)
	var rows []models.RecentActivity
	require.NoError(t, json.Unmarshal(env.Obj, &rows))
	require.Len(t, rows, 1)
	require.Equal(t, repository.ActivitySyncStarted, rows[0].Type)
}

func TestSyncHandler_Cancel(t *testing.T) {
	h := newAPIHarness(t, 3)
	shop := h.seed(t, "cancel.myshopify.com", 4)

	_, env := h.post(t, fmt.Sprintf(`{"actions":"sync","shopId":%d}`, shop.ID))
	var started struct {
		Job pipeline.JobSummary `json:"job"`
	}
	require.NoError(t, json.Unmarshal(env.Obj, &started))

	code, env := h.post(t, fmt.Sprintf(`{"actions":"cancel","jobId":%q}`, started.Job.JobID))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Cancel requested", env.Msg)

	job, err := h.jobs.GetJob(context.Background(), started.Job.JobID)
	require.NoError(t, err)
	require.True(t, job.CancelRequested)

	code, _ = h.post(t, `{"actions":"cancel"}`)
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = h.post(t, `{"actions":"cancel","jobId":"missing"}`)
	require.Equal(t, http.StatusNotFound, code)
}

func TestSyncHandler_RateLimit(t *testing.T) {
	h := newAPIHarness(t, 1)
	shop := h.seed(t, "busy.myshopify.com", 0)
	body := fmt.Sprintf(`{"actions":"sync","shopId":%d}`, shop.ID)

	code, env := h.post(t, body)
	require.Equal(t, http.StatusOK, code)
	var res struct {
		Job pipeline.JobSummary `json:"job"`
	}
	require.NoError(t, json.Unmarshal(env.Obj, &res))
	require.Equal(t, models.JobStatusCompleted, res.Job.Status)

	code, env = h.post(t, body)
	require.Equal(t, http.StatusTooManyRequests, code)
	require.False(t, env.Status)
	require.Contains(t, env.Msg, "Too many sync requests")
}

func TestSyncHandler_BadRequests(t *testing.T) {
	h := newAPIHarness(t, 3)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed body", `{`, http.StatusBadRequest},
		{"unknown action", `{"actions":"explode"}`, http.StatusBadRequest},
		{"missing action", `{}`, http.StatusBadRequest},
		{"sync without shop", `{"actions":"sync"}`, http.StatusBadRequest},
		{"sync unknown shop id", `{"actions":"sync","shopId":999}`, http.StatusNotFound},
		{"status of unknown job", `{"actions":"checkJobStatus","jobId":"nope"}`, http.StatusNotFound},
		{"reads never register shops", `{"actions":"syncStatus","shop":"new.myshopify.com"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := h.post(t, tt.body)
			require.Equal(t, tt.want, code)
			require.False(t, env.Status)
		})
	}

	_, err := h.shops.FindByName(context.Background(), "new.myshopify.com")
	require.ErrorIs(t, err, repository.ErrShopNotFound)
}
