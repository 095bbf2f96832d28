package main

import (
	"context"
	"gear-queue/internal/config"
	"gear-queue/internal/executor"
	"gear-queue/internal/logging"
	"gear-queue/internal/metrics"
	"gear-queue/internal/repository"
	"gear-queue/internal/service"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load("worker", os.Args[1:])
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, "worker")

	// Initialize repository
	repo, err := repository.NewSQLiteRepository(cfg.DBPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize repository")
	}
	defer repo.Close()

	queue := service.NewQueue(repo, repo, service.QueueConfig{
		MaxAttempts:   cfg.MaxAttempts,
		OrphanTimeout: cfg.OrphanTimeout,
		RetryOnFail:   cfg.RetryOnFail,
	}, metrics.NewMetrics(), logger.WithField("service", "queue"))

	// Saved outputs are committed to the job's destination and may spawn jobs
	containers := repo.Containers()
	evaluator := service.NewRuleEvaluator(logger.WithField("service", "rules"))
	spawner := service.NewSpawner(repo, repo, containers, queue, evaluator, logger.WithField("service", "spawner"))
	files := service.NewFileService(containers, repo, repo, spawner, logger.WithField("service", "files"))

	docker, err := executor.NewDocker(cfg.WorkDir, cfg.DockerAPIVersion, logger.WithField("service", "docker"))
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize executor")
	}
	defer docker.Close()

	workerService := service.NewWorkerService(queue, docker, files, service.WorkerConfig{
		Tags:              cfg.WorkerTags,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Concurrency:       cfg.WorkerConcurrency,
	}, logger)

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"tags":        cfg.WorkerTags,
		"concurrency": cfg.WorkerConcurrency,
	}).Info("worker started, polling for jobs...")

	if err := workerService.ProcessJobs(ctx); err != nil {
		logger.WithError(err).Fatal("worker error")
	}
	logger.Info("worker stopped")
}
