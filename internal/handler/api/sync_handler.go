package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"datasync/internal/middleware"
	"datasync/internal/models"
	"datasync/internal/pipeline"
	"datasync/internal/repository"
)

type ShopFinder interface {
	FindByID(ctx context.Context, id uint) (*models.Shop, error)
	FindByName(ctx context.Context, name string) (*models.Shop, error)
	FindOrCreateByName(ctx context.Context, name string) (*models.Shop, error)
}

type ActivityReader interface {
	Recent(ctx context.Context, shopID uint, limit int) ([]models.RecentActivity, error)
}

type StatusReader interface {
	GetStatus(ctx context.Context, shopID uint) (string, error)
}

// SyncDeps bundles what the sync API needs.
type SyncDeps struct {
	Service    *pipeline.Service
	Shops      ShopFinder
	Activities ActivityReader
	Statuses   StatusReader
	Limiter    middleware.SyncLimiter
}

// SyncHandler is the polling surface for shop syncs.
type SyncHandler struct {
	deps   SyncDeps
	logger *zap.Logger
}

func NewSyncHandler(deps SyncDeps, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{deps: deps, logger: logger}
}

// Handle routes sync API requests.
// POST /api/sync
func (h *SyncHandler) Handle(c echo.Context) error {
	action, body, err := parseBodyAction(c)
	if err != nil {
		return errorResponse(c, http.StatusBadRequest, "Invalid request body")
	}

	switch action {
	case "sync":
		return h.startSync(c, body)
	case "checkJobStatus":
		return h.checkJobStatus(c, body)
	case "cancel":
		return h.cancel(c, body)
	case "syncStatus":
		return h.syncStatus(c, body)
	case "recentActivities":
		return h.recentActivities(c, body)
	default:
		return errorResponse(c, http.StatusBadRequest, "Invalid action")
	}
}

func (h *SyncHandler) startSync(c echo.Context, body map[string]interface{}) error {
	ctx := c.Request().Context()
	shop, err := h.resolveShop(ctx, body, true)
	if err != nil {
		return h.shopError(c, err)
	}

	if h.deps.Limiter != nil {
		allowed, retryAfter, err := h.deps.Limiter.Allow(ctx, strconv.FormatUint(uint64(shop.ID), 10))
		if err != nil {
			h.logger.Warn("sync limiter unavailable", zap.Uint("shop_id", shop.ID), zap.Error(err))
		} else if !allowed {
			c.Response().Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second)/time.Second)))
			return errorResponse(c, http.StatusTooManyRequests,
				fmt.Sprintf("Too many sync requests, try again in %s", retryAfter.Round(time.Minute)))
		}
	}

	res, err := h.deps.Service.StartSync(ctx, shop.ID)
	switch {
	case errors.Is(err, pipeline.ErrNoProducts):
		return errorResponse(c, http.StatusUnprocessableEntity, "Shop has no products to sync")
	case errors.Is(err, pipeline.ErrShopNotFound):
		return errorResponse(c, http.StatusNotFound, "Shop not found")
	case err != nil:
		h.logger.Error("Failed to start sync", zap.Uint("shop_id", shop.ID), zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "Failed to start sync")
	}

	if res.Existing {
		return successResponse(c, "Sync already in progress", res)
	}
	return successResponse(c, "Sync started", res)
}

func (h *SyncHandler) checkJobStatus(c echo.Context, body map[string]interface{}) error {
	ctx := c.Request().Context()
	status := h.deps.Service.Status()

	if jobID := getStringField(body, "jobId"); jobID != "" {
		job, err := status.GetJobStatus(ctx, jobID)
		if errors.Is(err, pipeline.ErrJobNotFound) {
			return errorResponse(c, http.StatusNotFound, "Job not found")
		}
		if err != nil {
			h.logger.Error("Failed to load job", zap.String("job_id", jobID), zap.Error(err))
			return errorResponse(c, http.StatusInternalServerError, "Failed to load job")
		}
		return successResponse(c, "Successful", job)
	}

	shop, err := h.resolveShop(ctx, body, false)
	if err != nil {
		return h.shopError(c, err)
	}
	job, err := status.GetActiveJob(ctx, shop.ID)
	if err != nil {
		h.logger.Error("Failed to load active job", zap.Uint("shop_id", shop.ID), zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "Failed to load job")
	}
	if job == nil {
		return successResponse(c, "No active job", nil)
	}
	return successResponse(c, "Successful", job)
}

func (h *SyncHandler) cancel(c echo.Context, body map[string]interface{}) error {
	jobID := getStringField(body, "jobId")
	if jobID == "" {
		return errorResponse(c, http.StatusBadRequest, "jobId is required")
	}

	job, err := h.deps.Service.CancelJob(c.Request().Context(), jobID)
	if errors.Is(err, pipeline.ErrJobNotFound) {
		return errorResponse(c, http.StatusNotFound, "Job not found")
	}
	if err != nil {
		h.logger.Error("Failed to cancel job", zap.String("job_id", jobID), zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "Failed to cancel job")
	}
	if job.Status.IsTerminal() {
		return successResponse(c, "Job already finished", job)
	}
	return successResponse(c, "Cancel requested", job)
}

func (h *SyncHandler) syncStatus(c echo.Context, body map[string]interface{}) error {
	ctx := c.Request().Context()
	shop, err := h.resolveShop(ctx, body, false)
	if err != nil {
		return h.shopError(c, err)
	}

	status := repository.StatusIdle
	if h.deps.Statuses != nil {
		status, err = h.deps.Statuses.GetStatus(ctx, shop.ID)
		if err != nil {
			h.logger.Warn("status mirror unavailable", zap.Uint("shop_id", shop.ID), zap.Error(err))
			status = repository.StatusIdle
		}
	}
	return successResponse(c, "Successful", map[string]interface{}{
		"shopId": shop.ID,
		"status": status,
	})
}

func (h *SyncHandler) recentActivities(c echo.Context, body map[string]interface{}) error {
	ctx := c.Request().Context()
	shop, err := h.resolveShop(ctx, body, false)
	if err != nil {
		return h.shopError(c, err)
	}

	rows, err := h.deps.Activities.Recent(ctx, shop.ID, getIntField(body, "limit", 20))
	if err != nil {
		h.logger.Error("Failed to load activities", zap.Uint("shop_id", shop.ID), zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "Failed to load activities")
	}
	return successResponse(c, "Successful", rows)
}

var errShopRequired = errors.New("shopId or shop is required")

// resolveShop reads shopId or a shop domain from the body. Only the sync action
// registers unknown domains.
func (h *SyncHandler) resolveShop(ctx context.Context, body map[string]interface{}, create bool) (*models.Shop, error) {
	if id := getIntField(body, "shopId", 0); id > 0 {
		return h.deps.Shops.FindByID(ctx, uint(id))
	}
	name := getStringField(body, "shop")
	if name == "" {
		return nil, errShopRequired
	}
	if create {
		return h.deps.Shops.FindOrCreateByName(ctx, name)
	}
	return h.deps.Shops.FindByName(ctx, name)
}

func (h *SyncHandler) shopError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, errShopRequired):
		return errorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrShopNotFound):
		return errorResponse(c, http.StatusNotFound, "Shop not found")
	default:
		h.logger.Error("Failed to resolve shop", zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "Failed to resolve shop")
	}
}
