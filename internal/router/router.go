package router

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"datasync/internal/handler/api"
	"datasync/internal/middleware"
)

// Setup configures all routes for the Echo server.
func Setup(e *echo.Echo, deps api.SyncDeps, logger *zap.Logger, apiKey string) {
	// Global middleware
	e.Use(echomw.Recover())
	e.Use(middleware.CORS())

	syncHandler := api.NewSyncHandler(deps, logger)

	// API group with auth + logging middleware
	apiGroup := e.Group("/api")
	apiGroup.Use(middleware.RequestLogger(logger))
	apiGroup.Use(middleware.APIAuth(apiKey))

	apiGroup.POST("/sync", syncHandler.Handle)
	// Legacy route names used by the embedded app.
	apiGroup.POST("/scrape", syncHandler.Handle)
	apiGroup.POST("/job-status", syncHandler.Handle)

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
}
