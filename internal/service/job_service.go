package service

import (
	"context"
	"errors"
	"fmt"
	"gear-queue/internal/auth"
	"gear-queue/internal/models"
	"gear-queue/internal/repository"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// JobService validates job submissions and hands them to the queue
type JobService struct {
	queue      *Queue
	gears      repository.GearRepository
	containers *repository.Registry
	logger     *logrus.Entry
}

// NewJobService creates a new job service
func NewJobService(queue *Queue, gears repository.GearRepository, containers *repository.Registry, logger *logrus.Entry) *JobService {
	return &JobService{
		queue:      queue,
		gears:      gears,
		containers: containers,
		logger:     logger,
	}
}

func (s *JobService) getGear(ctx context.Context, id string) (*models.Gear, error) {
	gear, err := s.gears.GetGear(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrGearNotFound, id)
		}
		return nil, fmt.Errorf("failed to get gear: %w", err)
	}
	return gear, nil
}

func (s *JobService) getContainer(ctx context.Context, ref models.ContainerReference) (*models.Container, error) {
	c, err := s.containers.GetContainer(ctx, ref.Type, ref.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, ref)
		}
		return nil, err
	}
	return c, nil
}

func checkAccess(c *models.Container, subject auth.Subject, op auth.Operation) error {
	if d := auth.Check(c, subject, op); !d.Allowed {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, d.Reason)
	}
	return nil
}

// Enqueue validates a job payload and inserts it in pending state. Unless the
// subject is privileged, it needs read access to every input container and
// write access to the destination.
func (s *JobService) Enqueue(ctx context.Context, payload *models.JobPayload, origin models.Origin, subject auth.Subject) (*models.Job, error) {
	gear, err := s.getGear(ctx, payload.GearID)
	if err != nil {
		return nil, err
	}
	return s.enqueueForGear(ctx, gear, payload, origin, subject)
}

func (s *JobService) enqueueForGear(ctx context.Context, gear *models.Gear, payload *models.JobPayload, origin models.Origin, subject auth.Subject) (*models.Job, error) {
	if len(payload.Inputs) == 0 {
		return nil, ErrNoInputs
	}

	config, err := ValidateConfig(gear, payload.Config)
	if err != nil {
		return nil, err
	}

	for _, name := range gear.FileInputNames() {
		if _, ok := payload.Inputs[name]; !ok && !gear.Inputs[name].Optional {
			return nil, fmt.Errorf("%w: missing required input %q", ErrInvalidInput, name)
		}
	}

	job := &models.Job{
		GearID:  gear.ID,
		Inputs:  payload.Inputs,
		Config:  config,
		Tags:    append(append([]string(nil), payload.Tags...), gear.Name),
		Now:     payload.Now,
		Origin:  origin,
		BatchID: payload.BatchID,
	}

	for _, name := range job.InputNames() {
		ref := job.Inputs[name]
		if _, ok := gear.Inputs[name]; !ok {
			return nil, fmt.Errorf("%w: gear %s has no input %q", ErrInvalidInput, gear.Name, name)
		}
		c, err := s.getContainer(ctx, ref.Container())
		if err != nil {
			return nil, err
		}
		if _, ok := c.FindFile(ref.Name); !ok {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, ref)
		}
		if err := checkAccess(c, subject, auth.OpGet); err != nil {
			return nil, err
		}
	}

	if payload.Destination != nil {
		job.Destination = *payload.Destination
	} else {
		job.Destination = job.Inputs[job.InputNames()[0]].Container()
	}
	dest, err := s.getContainer(ctx, job.Destination)
	if err != nil {
		return nil, err
	}
	if err := checkAccess(dest, subject, auth.OpUpdate); err != nil {
		return nil, err
	}

	return s.queue.Enqueue(ctx, job)
}

// EnqueueAnalysis creates an analysis container under the session owning the
// first input, then a job writing into it
func (s *JobService) EnqueueAnalysis(ctx context.Context, gear *models.Gear, payload *models.JobPayload, origin models.Origin, subject auth.Subject) (*models.Job, *models.Container, error) {
	if len(payload.Inputs) == 0 {
		return nil, nil, ErrNoInputs
	}

	first := payload.Inputs[(&models.Job{Inputs: payload.Inputs}).InputNames()[0]]
	source, err := s.getContainer(ctx, first.Container())
	if err != nil {
		return nil, nil, err
	}

	owner := source
	if source.Kind != models.KindSession && source.Session != "" {
		owner, err = s.getContainer(ctx, models.ContainerReference{Type: models.KindSession, ID: source.Session})
		if err != nil {
			return nil, nil, err
		}
	}
	if err := checkAccess(owner, subject, auth.OpCreate); err != nil {
		return nil, nil, err
	}

	parent := owner.Reference()
	analysis := &models.Container{
		ID:          uuid.New().String(),
		Kind:        models.KindAnalysis,
		Label:       fmt.Sprintf("%s %s", gear.Name, time.Now().UTC().Format("01/02/2006 15:04:05")),
		Group:       owner.Group,
		Project:     owner.Project,
		Parent:      &parent,
		Permissions: owner.Permissions,
	}
	if owner.Kind == models.KindSession {
		analysis.Session = owner.ID
	}
	for _, name := range (&models.Job{Inputs: payload.Inputs}).InputNames() {
		analysis.Inputs = append(analysis.Inputs, payload.Inputs[name])
	}
	if err := s.containers.PutContainer(ctx, analysis); err != nil {
		return nil, nil, fmt.Errorf("failed to create analysis: %w", err)
	}

	p := *payload
	dest := analysis.Reference()
	p.Destination = &dest
	job, err := s.enqueueForGear(ctx, gear, &p, origin, subject)
	if err != nil {
		return nil, nil, err
	}

	analysis.JobID = job.ID
	if err := s.containers.PutContainer(ctx, analysis); err != nil {
		return nil, nil, fmt.Errorf("failed to link analysis to job: %w", err)
	}

	s.logger.WithFields(logrus.Fields{"job_id": job.ID, "analysis": analysis.ID}).Info("analysis created")
	return job, analysis, nil
}

// GetJob retrieves a job by ID
func (s *JobService) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return s.queue.Get(ctx, id)
}

// MutateJob loads a job and applies changes to it
func (s *JobService) MutateJob(ctx context.Context, id string, changes models.JobChanges) (*models.Job, error) {
	job, err := s.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.queue.Mutate(ctx, job, changes); err != nil {
		return nil, err
	}
	return job, nil
}

// RetryJob loads a failed job and retries it
func (s *JobService) RetryJob(ctx context.Context, id string, force bool) (string, error) {
	job, err := s.queue.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.queue.Retry(ctx, job, force)
}
