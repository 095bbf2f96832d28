package service

import (
	"context"
	"errors"
	"gear-queue/internal/models"
	"gear-queue/internal/repository"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Executor runs a claimed job's request to completion and returns the names
// of the files it saved
type Executor interface {
	Execute(ctx context.Context, job *models.Job) ([]string, error)
}

// OutputCommitter stores the files a job saved on its destination container
// and returns the algorithms their commit queued
type OutputCommitter interface {
	CommitOutputs(ctx context.Context, job *models.Job, names []string) ([]string, error)
}

// WorkerConfig controls how a worker polls the queue. A zero
// HeartbeatInterval uses a third of the queue's orphan timeout; a negative
// one turns heartbeats off.
type WorkerConfig struct {
	Tags              []string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Concurrency       int
}

// WorkerService claims jobs from the queue and runs them
type WorkerService struct {
	queue    *Queue
	executor Executor
	outputs  OutputCommitter
	cfg      WorkerConfig
	logger   *logrus.Entry
}

// NewWorkerService creates a new worker service. outputs may be nil, in which
// case saved files are only recorded on the job.
func NewWorkerService(queue *Queue, executor Executor, outputs OutputCommitter, cfg WorkerConfig, logger *logrus.Entry) *WorkerService {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = queue.Config().OrphanTimeout / 3
	}
	return &WorkerService{
		queue:    queue,
		executor: executor,
		outputs:  outputs,
		cfg:      cfg,
		logger:   logger,
	}
}

// ProcessJobs runs the configured number of poll loops until ctx is done
func (s *WorkerService) ProcessJobs(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Concurrency; i++ {
		slot := i
		g.Go(func() error {
			return s.loop(ctx, s.logger.WithField("slot", slot))
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *WorkerService) loop(ctx context.Context, log *logrus.Entry) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		worked, err := s.ProcessNext(ctx)
		if err != nil {
			log.WithError(err).Error("error processing job")
		}
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// ProcessNext claims and runs one job. Returns false when the queue had
// nothing to claim.
func (s *WorkerService) ProcessNext(ctx context.Context) (bool, error) {
	job, err := s.queue.StartJob(ctx, s.cfg.Tags)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	log := s.logger.WithFields(logrus.Fields{"job_id": job.ID, "gear_id": job.GearID, "attempt": job.Attempt})
	log.Info("job claimed")

	execCtx, stop := context.WithCancel(ctx)
	var (
		wg   sync.WaitGroup
		lost bool
	)
	if s.cfg.HeartbeatInterval > 0 {
		snapshot := job.Clone()
		wg.Add(1)
		go func() {
			defer wg.Done()
			lost = s.heartbeat(execCtx, snapshot, log)
			if lost {
				stop()
			}
		}()
	}

	saved, err := s.executor.Execute(execCtx, job)
	stop()
	wg.Wait()

	changes := models.JobChanges{State: models.StateComplete}
	if err != nil {
		log.WithError(err).Warn("job execution failed")
		changes.State = models.StateFailed
	} else {
		changes.SavedFiles = saved
		if s.outputs != nil && len(saved) > 0 && !lost {
			spawned, err := s.outputs.CommitOutputs(context.WithoutCancel(ctx), job, saved)
			if err != nil {
				log.WithError(err).Warn("failed to commit job outputs")
				changes.State = models.StateFailed
			} else if len(spawned) > 0 {
				log.WithField("spawned", spawned).Info("job outputs queued further jobs")
			}
		}
	}

	// Report the outcome even if ctx was cancelled while the job ran.
	if err := s.queue.Mutate(context.WithoutCancel(ctx), job, changes); err != nil {
		return true, err
	}
	return true, nil
}

// heartbeat refreshes the running job's modified time so the orphan scan
// leaves it alone. Returns true if the job stopped running in the store, in
// which case execution should be cancelled.
func (s *WorkerService) heartbeat(ctx context.Context, job *models.Job, log *logrus.Entry) bool {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		err := s.queue.Mutate(ctx, job, models.JobChanges{})
		switch {
		case err == nil:
			log.Debug("job heartbeat")
		case errors.Is(err, repository.ErrNotSaved):
			log.Warn("job was taken away while running, stopping it")
			return true
		case ctx.Err() != nil:
			return false
		default:
			log.WithError(err).Warn("job heartbeat failed")
		}
	}
}
