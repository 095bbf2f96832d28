package main

import (
	"context"
	"errors"
	"gear-queue/internal/config"
	"gear-queue/internal/handler"
	"gear-queue/internal/logging"
	"gear-queue/internal/metrics"
	"gear-queue/internal/repository"
	"gear-queue/internal/service"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load("api", os.Args[1:])
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, "api")

	// Initialize repository
	repo, err := repository.NewSQLiteRepository(cfg.DBPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize repository")
	}
	defer repo.Close()
	containers := repo.Containers()

	// Initialize metrics
	metricsInstance := metrics.NewMetrics()

	// Initialize services
	queue := service.NewQueue(repo, repo, service.QueueConfig{
		MaxAttempts:   cfg.MaxAttempts,
		OrphanTimeout: cfg.OrphanTimeout,
		RetryOnFail:   cfg.RetryOnFail,
	}, metricsInstance, logger.WithField("service", "queue"))
	evaluator := service.NewRuleEvaluator(logger.WithField("service", "rules"))
	spawner := service.NewSpawner(repo, repo, containers, queue, evaluator, logger.WithField("service", "spawner"))
	jobService := service.NewJobService(queue, repo, containers, logger.WithField("service", "jobs"))
	fileService := service.NewFileService(containers, repo, repo, spawner, logger.WithField("service", "files"))
	batchService := service.NewBatchService(repo, repo, containers, jobService, queue, logger.WithField("service", "batch"))

	// Setup routes
	mux := http.NewServeMux()
	handler.NewJobHandler(jobService, queue, metricsInstance, logger).Register(mux)
	handler.NewBatchHandler(batchService, logger).Register(mux)
	handler.NewCatalogHandler(fileService, logger).Register(mux)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-User-ID", "X-Superuser", "X-Drone"},
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           c.Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("API server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return reapOrphans(ctx, queue, cfg.ReapInterval, logger)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("server error")
	}
	logger.Info("server stopped")
}

// reapOrphans fails and retries stale running jobs every interval
func reapOrphans(ctx context.Context, queue *service.Queue, interval time.Duration, logger *logrus.Entry) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := queue.ScanForOrphans(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("orphan scan failed")
			}
		}
	}
}
