package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"datasync/internal/bootstrap"
	"datasync/internal/config"
	cronpkg "datasync/internal/cron"
	"datasync/internal/handler/api"
	"datasync/internal/marketplace"
	"datasync/internal/middleware"
	"datasync/internal/pipeline"
	"datasync/internal/queue"
	"datasync/internal/repository"
	"datasync/internal/router"
)

const (
	demoShopName     = "demo.myshopify.com"
	demoProductCount = 27
)

func main() {
	// --- Config ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// --- Logger ---
	logger, err := newLogger(cfg.Server.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// --- Database ---
	db, err := config.NewDatabase(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	if hasArg("--bootstrap-db") {
		if err := runDBBootstrap(db, logger); err != nil {
			logger.Fatal("Database bootstrap failed", zap.Error(err))
		}
		logger.Info("Database bootstrap completed")
		return
	}
	if err := bootstrap.Migrate(db); err != nil {
		logger.Fatal("Failed to bootstrap database schema", zap.Error(err))
	}

	// --- Redis (optional) ---
	redisClient, err := config.NewRedis(&cfg.Redis)
	if err != nil {
		logger.Warn("Redis unavailable, status mirror disabled and rate limits kept in memory", zap.Error(err))
	} else {
		defer redisClient.Close()
	}

	// --- Work Queue ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q, err := queue.Open(ctx, &cfg.Queue, &cfg.Worker)
	if err != nil {
		logger.Fatal("Failed to open work queue", zap.String("driver", cfg.Queue.Driver), zap.Error(err))
	}

	// --- Repositories ---
	jobRepo := repository.NewJobRepository(db)
	shopRepo := repository.NewShopRepository(db)
	productRepo := repository.NewProductRepository(db)
	activityRepo := repository.NewActivityRepository(db)
	statusCache := repository.NewStatusCache(redisClient, 24*time.Hour)

	// --- Pipeline ---
	aggregator := pipeline.NewAggregator(jobRepo, statusCache, activityRepo, logger)
	planner := pipeline.NewPlanner(pipeline.PlannerConfig{
		BatchSize:   cfg.Sync.BatchSize,
		MaxProducts: cfg.Sync.MaxProducts,
		RejectEmpty: cfg.Sync.EmptyPolicy == "reject",
	}, shopRepo, productRepo, jobRepo, logger)
	dispatcher := pipeline.NewDispatcher(q, aggregator, pipeline.DispatcherConfig{
		MaxRetries:     cfg.Sync.DispatchMaxRetries,
		RetryBaseDelay: cfg.Worker.RetryBaseDelay,
		RetryMaxDelay:  cfg.Worker.RetryMaxDelay,
	}, logger)
	service := pipeline.NewService(planner, dispatcher, aggregator, jobRepo, logger)

	// --- Workers ---
	workerDone := make(chan error, 1)
	if hasArg("--no-worker") {
		logger.Info("Worker pool disabled (--no-worker)")
		close(workerDone)
	} else {
		scraper := marketplace.NewClient(cfg.Scraper.BaseURL, cfg.Scraper.APIKey, cfg.Scraper.Timeout)
		syncer := marketplace.NewSyncer(productRepo, scraper, logger)
		worker := pipeline.NewWorker(q, jobRepo, aggregator, syncer, pipeline.WorkerConfig{
			Concurrency:    cfg.Worker.Concurrency,
			MaxAttempts:    cfg.Worker.MaxAttempts,
			RetryBaseDelay: cfg.Worker.RetryBaseDelay,
			RetryMaxDelay:  cfg.Worker.RetryMaxDelay,
			ProductTimeout: cfg.Worker.ProductTimeout,
		}, logger)
		go func() {
			workerDone <- worker.Run(ctx)
		}()
	}

	// --- Cron Scheduler ---
	scheduler := cronpkg.New(cfg.Cron, cronpkg.CronDeps{
		Jobs:       jobRepo,
		Shops:      shopRepo,
		Sync:       service,
		Mirror:     statusCache,
		Activities: activityRepo,
	}, logger)
	if err := scheduler.Start(); err != nil {
		logger.Fatal("Failed to start cron scheduler", zap.Error(err))
	}

	// --- Echo ---
	e := echo.New()
	e.HideBanner = true
	router.Setup(e, api.SyncDeps{
		Service:    service,
		Shops:      shopRepo,
		Activities: activityRepo,
		Statuses:   statusCache,
		Limiter: middleware.NewSyncLimiter(redisClient, middleware.LimiterOptions{
			Points: cfg.RateLimit.Points,
			Window: cfg.RateLimit.Window,
			Block:  cfg.RateLimit.Block,
		}),
	}, logger, cfg.API.Key)

	// --- Start Server ---
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	go func() {
		logger.Info("Starting datasync server", zap.String("addr", addr), zap.String("queue", cfg.Queue.Driver))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server stopped", zap.Error(err))
			stop()
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop HTTP server
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Stop cron
	<-scheduler.Stop().Done()

	// Stop workers; unfinished batches are redelivered after their lease runs out.
	select {
	case err := <-workerDone:
		if err != nil {
			logger.Error("Worker pool stopped with error", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Warn("Worker pool did not stop in time")
	}

	if err := q.Close(); err != nil {
		logger.Warn("Failed to close work queue", zap.Error(err))
	}

	logger.Info("Server exited")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func hasArg(name string) bool {
	for _, arg := range os.Args[1:] {
		if arg == name {
			return true
		}
	}
	return false
}

func runDBBootstrap(db *gorm.DB, logger *zap.Logger) error {
	if err := bootstrap.Migrate(db); err != nil {
		return err
	}
	logger.Info("Schema migration completed")

	if hasArg("--seed-demo") {
		shop, err := bootstrap.SeedDemo(db, demoShopName, demoProductCount)
		if err != nil {
			return err
		}
		logger.Info("Demo shop seeded", zap.Uint("shop_id", shop.ID), zap.String("shop", shop.Name))
	}
	return nil
}
