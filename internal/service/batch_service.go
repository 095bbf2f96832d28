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

// BatchService proposes, launches and cancels groups of jobs running one gear
// over many containers
type BatchService struct {
	batches    repository.BatchRepository
	gears      repository.GearRepository
	containers *repository.Registry
	jobs       *JobService
	queue      *Queue
	logger     *logrus.Entry
}

// NewBatchService creates a new batch service
func NewBatchService(batches repository.BatchRepository, gears repository.GearRepository, containers *repository.Registry, jobs *JobService, queue *Queue, logger *logrus.Entry) *BatchService {
	return &BatchService{
		batches:    batches,
		gears:      gears,
		containers: containers,
		jobs:       jobs,
		queue:      queue,
		logger:     logger,
	}
}

// FindMatchingContainers sorts containers by whether each gear file input is
// satisfied by exactly one file. A required input with no candidate makes the
// container not matched, whatever happens on other inputs. Otherwise an input
// with several candidates makes it ambiguous. Optional inputs with no
// candidate are left out of the input set.
func FindMatchingContainers(gear *models.Gear, containers []*models.Container) (*models.MatchResult, error) {
	matchers, err := fileInputMatchers(gear)
	if err != nil {
		return nil, err
	}

	result := &models.MatchResult{
		Matched:    []models.MatchedContainer{},
		Ambiguous:  []models.ContainerReference{},
		NotMatched: []models.ContainerReference{},
	}

	for _, c := range containers {
		ref := c.Reference()
		if len(c.Files) == 0 {
			result.NotMatched = append(result.NotMatched, ref)
			continue
		}

		inputs := make(map[string]models.FileReference, len(matchers))
		ambiguous := false
		unmatched := false
		for _, m := range matchers {
			var candidates []string
			for _, f := range c.Files {
				if m.matches(f) {
					candidates = append(candidates, f.Name)
				}
			}
			switch {
			case len(candidates) == 0 && !m.input.Optional:
				unmatched = true
			case len(candidates) == 1:
				inputs[m.name] = models.FileReference{Type: c.Kind, ID: c.ID, Name: candidates[0]}
			case len(candidates) > 1:
				ambiguous = true
			}
			if unmatched {
				break
			}
		}

		switch {
		case unmatched || len(inputs) == 0 && !ambiguous:
			result.NotMatched = append(result.NotMatched, ref)
		case ambiguous:
			result.Ambiguous = append(result.Ambiguous, ref)
		default:
			result.Matched = append(result.Matched, models.MatchedContainer{Container: ref, Inputs: inputs})
		}
	}

	return result, nil
}

// Propose matches a gear against target containers and stores a pending
// batch. All targets must share a type.
func (s *BatchService) Propose(ctx context.Context, gearID string, targets []models.ContainerReference, config map[string]any, origin models.Origin, subject auth.Subject) (*models.BatchProposal, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no target containers", ErrInvalidInput)
	}
	for _, t := range targets[1:] {
		if t.Type != targets[0].Type {
			return nil, fmt.Errorf("%w: %s and %s", ErrMixedContainerTypes, targets[0].Type, t.Type)
		}
	}

	gear, err := s.jobs.getGear(ctx, gearID)
	if err != nil {
		return nil, err
	}
	config, err = ValidateConfig(gear, config)
	if err != nil {
		return nil, err
	}

	containers := make([]*models.Container, 0, len(targets))
	for _, t := range targets {
		c, err := s.jobs.getContainer(ctx, t)
		if err != nil {
			return nil, err
		}
		if err := checkAccess(c, subject, auth.OpGet); err != nil {
			return nil, err
		}
		containers = append(containers, c)
	}

	result, err := FindMatchingContainers(gear, containers)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	batch := &models.BatchProposal{
		ID:         uuid.New().String(),
		GearID:     gear.ID,
		State:      models.BatchPending,
		Origin:     origin,
		Config:     config,
		TargetType: targets[0].Type,
		Matched:    result.Matched,
		Ambiguous:  result.Ambiguous,
		NotMatched: result.NotMatched,
		Created:    now,
		Modified:   now,
	}
	if err := s.batches.InsertBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to save batch: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"batch_id":    batch.ID,
		"gear_id":     gear.ID,
		"matched":     len(batch.Matched),
		"ambiguous":   len(batch.Ambiguous),
		"not_matched": len(batch.NotMatched),
	}).Info("batch proposed")
	return batch, nil
}

// Get retrieves a batch by ID
func (s *BatchService) Get(ctx context.Context, id string) (*models.BatchProposal, error) {
	batch, err := s.batches.GetBatch(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return batch, nil
}

// Run marks the batch launched, then enqueues one job per matched container.
// Analysis gears get an analysis container per job. The launch is claimed
// with a conditional update first, so concurrent runs cannot both create
// jobs. A failure part way keeps the batch launched with the jobs created so
// far, which Cancel can still reach.
func (s *BatchService) Run(ctx context.Context, id string, subject auth.Subject) (*models.BatchProposal, error) {
	batch, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if batch.State != models.BatchPending {
		return nil, fmt.Errorf("%w: batch %s is %s", ErrInvalidState, batch.ID, batch.State)
	}

	gear, err := s.jobs.getGear(ctx, batch.GearID)
	if err != nil {
		return nil, err
	}

	batch.State = models.BatchLaunched
	batch.Modified = time.Now().UTC()
	if err := s.batches.UpdateBatch(ctx, batch, models.BatchPending); err != nil {
		if errors.Is(err, repository.ErrNotSaved) {
			return nil, fmt.Errorf("%w: batch %s is no longer pending", ErrInvalidState, batch.ID)
		}
		return nil, fmt.Errorf("batch %s: %w", batch.ID, err)
	}

	log := s.logger.WithField("batch_id", batch.ID)
	origin := batch.Origin
	jobIDs := make([]string, 0, len(batch.Matched))
	for _, m := range batch.Matched {
		payload := &models.JobPayload{
			GearID:  gear.ID,
			Inputs:  m.Inputs,
			Config:  batch.Config,
			BatchID: batch.ID,
		}

		var job *models.Job
		if gear.IsAnalysis() {
			job, _, err = s.jobs.EnqueueAnalysis(ctx, gear, payload, origin, subject)
		} else {
			job, err = s.jobs.enqueueForGear(ctx, gear, payload, origin, subject)
		}
		if err != nil {
			log.WithError(err).WithField("container", m.Container.String()).Error("failed to enqueue batch job")
			if rErr := s.recordJobs(ctx, batch, jobIDs, log); rErr != nil {
				log.WithError(rErr).Error("failed to record batch jobs")
			}
			return nil, fmt.Errorf("batch %s: %w", batch.ID, err)
		}
		jobIDs = append(jobIDs, job.ID)
	}

	if err := s.recordJobs(ctx, batch, jobIDs, log); err != nil {
		return nil, err
	}

	log.WithField("jobs", len(jobIDs)).Info("batch launched")
	return batch, nil
}

// recordJobs stores the job ids of a launched batch. If the batch was
// cancelled in the meantime its new jobs are cancelled as well.
func (s *BatchService) recordJobs(ctx context.Context, batch *models.BatchProposal, jobIDs []string, log *logrus.Entry) error {
	batch.JobIDs = jobIDs
	batch.Modified = time.Now().UTC()
	err := s.batches.UpdateBatch(ctx, batch, models.BatchLaunched)
	if errors.Is(err, repository.ErrNotSaved) {
		n := s.cancelJobs(ctx, jobIDs, log)
		log.WithField("cancelled", n).Warn("batch cancelled while launching")
		return fmt.Errorf("%w: batch %s was cancelled while launching", ErrInvalidState, batch.ID)
	}
	if err != nil {
		return fmt.Errorf("batch %s: %w", batch.ID, err)
	}
	return nil
}

// cancelJobs cancels the listed jobs that are still pending and returns how
// many were cancelled. Individual failures are logged and skipped.
func (s *BatchService) cancelJobs(ctx context.Context, jobIDs []string, log *logrus.Entry) int {
	cancelled := 0
	for _, jobID := range jobIDs {
		job, err := s.queue.Get(ctx, jobID)
		if err != nil {
			log.WithError(err).WithField("job_id", jobID).Warn("failed to load batch job")
			continue
		}
		if job.State != models.StatePending {
			continue
		}
		if err := s.queue.CancelPending(ctx, job); err != nil {
			log.WithError(err).WithField("job_id", jobID).Warn("failed to cancel batch job")
			continue
		}
		cancelled++
	}
	return cancelled
}

// Cancel cancels the batch's jobs that are still pending and returns how many
// were cancelled. The batch is marked cancelled even if some jobs could not be.
// Only the user who proposed the batch or a privileged caller may cancel it.
func (s *BatchService) Cancel(ctx context.Context, id string, subject auth.Subject) (int, error) {
	batch, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if !subject.Privileged() && (subject.UID == "" || subject.UID != batch.Origin.ID) {
		return 0, fmt.Errorf("%w: batch %s belongs to %s", ErrPermissionDenied, batch.ID, batch.Origin.ID)
	}
	if batch.State != models.BatchLaunched {
		return 0, fmt.Errorf("%w: batch %s is %s", ErrInvalidState, batch.ID, batch.State)
	}

	log := s.logger.WithField("batch_id", batch.ID)
	cancelled := s.cancelJobs(ctx, batch.JobIDs, log)

	batch.State = models.BatchCancelled
	batch.Modified = time.Now().UTC()
	if err := s.batches.UpdateBatch(ctx, batch, models.BatchLaunched); err != nil {
		return cancelled, fmt.Errorf("batch %s: %w", batch.ID, err)
	}

	log.WithField("cancelled", cancelled).Info("batch cancelled")
	return cancelled, nil
}
