package service

import (
	"context"
	"errors"
	"fmt"
	"gear-queue/internal/metrics"
	"gear-queue/internal/models"
	"gear-queue/internal/repository"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	gearBaseDir   = "/flywheel/v0"
	requestScheme = "scitran"
	gearRunCmd    = "rm -rf output; mkdir -p output; ./run; echo \"Exit was $?\""
)

// QueueConfig holds the retry and orphan policy of a queue
type QueueConfig struct {
	MaxAttempts   int
	OrphanTimeout time.Duration
	RetryOnFail   bool
}

// DefaultQueueConfig returns the policy used when none is configured
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxAttempts:   3,
		OrphanTimeout: 10 * time.Minute,
		RetryOnFail:   false,
	}
}

// transitions lists the legal state changes of a job. A state may always
// transition to itself.
var transitions = map[models.JobState][]models.JobState{
	models.StatePending: {models.StateRunning},
	models.StateRunning: {models.StateFailed, models.StateComplete},
}

// batchTransitions is the extension accepted only from batch cancellation
var batchTransitions = map[models.JobState][]models.JobState{
	models.StatePending: {models.StateCancelled},
}

// ValidTransition reports whether a job may move from one state to another
func ValidTransition(from, to models.JobState) bool {
	return validTransition(transitions, from, to)
}

func validTransition(table map[models.JobState][]models.JobState, from, to models.JobState) bool {
	if from == to {
		return true
	}
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Queue is the job state machine over a shared store. Every state change is
// a conditional write on the previous state; no in-process locking is used.
type Queue struct {
	repo    repository.JobRepository
	gears   repository.GearRepository
	cfg     QueueConfig
	metrics *metrics.Metrics
	logger  *logrus.Entry
	now     func() time.Time
}

// NewQueue creates a new queue
func NewQueue(repo repository.JobRepository, gears repository.GearRepository, cfg QueueConfig, metrics *metrics.Metrics, logger *logrus.Entry) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultQueueConfig().MaxAttempts
	}
	if cfg.OrphanTimeout <= 0 {
		cfg.OrphanTimeout = DefaultQueueConfig().OrphanTimeout
	}
	return &Queue{
		repo:    repo,
		gears:   gears,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Config returns the queue's policy
func (q *Queue) Config() QueueConfig {
	return q.cfg
}

func (q *Queue) jobLogger(job *models.Job) *logrus.Entry {
	return q.logger.WithFields(logrus.Fields{"job_id": job.ID, "gear_id": job.GearID})
}

// Enqueue inserts a new job in pending state
func (q *Queue) Enqueue(ctx context.Context, job *models.Job) (*models.Job, error) {
	if len(job.Inputs) == 0 {
		return nil, ErrNoInputs
	}
	if job.Destination.ID == "" {
		name := job.InputNames()[0]
		job.Destination = job.Inputs[name].Container()
	}

	now := q.now()
	job.ID = uuid.New().String()
	job.State = models.StatePending
	job.Attempt = 1
	job.PreviousJobID = ""
	job.Request = nil
	job.Tags = models.NormalizeTags(job.Tags...)
	job.Created = now
	job.Modified = now

	if err := q.repo.InsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.metrics.IncrementEnqueuedJobs()
	q.jobLogger(job).WithField("tags", job.Tags).Info("job enqueued")
	return job, nil
}

// Get retrieves a job by ID
func (q *Queue) Get(ctx context.Context, id string) (*models.Job, error) {
	job, err := q.repo.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// Mutate applies changes to a pending or running job. The write only lands if
// the stored state still equals job.State; otherwise repository.ErrNotSaved
// is returned and the caller must re-fetch.
func (q *Queue) Mutate(ctx context.Context, job *models.Job, changes models.JobChanges) error {
	return q.mutate(ctx, job, changes, transitions)
}

// CancelPending moves a pending job to cancelled. Only batch cancellation
// uses this path.
func (q *Queue) CancelPending(ctx context.Context, job *models.Job) error {
	if err := q.mutate(ctx, job, models.JobChanges{State: models.StateCancelled}, batchTransitions); err != nil {
		return err
	}
	q.metrics.IncrementCancelledJobs()
	return nil
}

func (q *Queue) mutate(ctx context.Context, job *models.Job, changes models.JobChanges, table map[models.JobState][]models.JobState) error {
	if job.State != models.StatePending && job.State != models.StateRunning {
		return fmt.Errorf("%w: job %s is %s and can no longer be modified", ErrInvalidState, job.ID, job.State)
	}
	if changes.State != "" && !validTransition(table, job.State, changes.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.State, changes.State)
	}

	at := q.now()
	if err := q.repo.UpdateJob(ctx, job.ID, job.State, changes, at); err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}

	if changes.State != "" {
		job.State = changes.State
	}
	if changes.Now != nil {
		job.Now = *changes.Now
	}
	if changes.SavedFiles != nil {
		job.SavedFiles = changes.SavedFiles
	}
	if changes.ProducedMetadata != nil {
		job.ProducedMetadata = changes.ProducedMetadata
	}
	job.Modified = at

	switch changes.State {
	case models.StateComplete:
		q.metrics.IncrementCompletedJobs()
		q.jobLogger(job).Info("job complete")
	case models.StateFailed:
		q.metrics.IncrementFailedJobs()
		q.jobLogger(job).WithField("attempt", job.Attempt).Info("job failed")
		if q.cfg.RetryOnFail {
			// The failed state is already stored; a retry error does not undo it.
			if _, err := q.Retry(ctx, job, false); err != nil {
				q.jobLogger(job).WithError(err).Error("automatic retry failed")
			}
		}
	}

	return nil
}

// StartJob claims one pending job, preferring jobs marked to run now (most
// recently marked first), then the oldest pending job. The returned job is
// running and carries its execution request. Returns nil when the queue is
// empty.
func (q *Queue) StartJob(ctx context.Context, tags []string) (*models.Job, error) {
	now := true
	job, err := q.repo.ClaimJob(ctx, repository.ClaimQuery{
		State:    models.StatePending,
		Now:      &now,
		Tags:     tags,
		Newest:   true,
		SetState: models.StateRunning,
		At:       q.now(),
	})
	if err != nil {
		return nil, err
	}

	if job == nil {
		later := false
		job, err = q.repo.ClaimJob(ctx, repository.ClaimQuery{
			State:    models.StatePending,
			Now:      &later,
			Tags:     tags,
			SetState: models.StateRunning,
			At:       q.now(),
		})
		if err != nil {
			return nil, err
		}
	}

	if job == nil {
		return nil, nil
	}

	q.metrics.IncrementStartedJobs()
	log := q.jobLogger(job)
	log.Info("job started")

	if job.Request == nil {
		req, err := q.generateRequest(ctx, job)
		if err != nil {
			log.WithError(err).Error("failed to generate request")
			if mErr := q.Mutate(ctx, job, models.JobChanges{State: models.StateFailed}); mErr != nil {
				log.WithError(mErr).Error("failed to fail job")
			}
			return nil, fmt.Errorf("job %s: failed to generate request: %w", job.ID, err)
		}

		at := q.now()
		if err := q.repo.SetRequest(ctx, job.ID, req, at); err != nil {
			return nil, fmt.Errorf("job %s: failed to save request: %w", job.ID, err)
		}
		job.Request = req
		job.Modified = at
	}

	return job, nil
}

// generateRequest maps the job's inputs and destination onto the gear layout
func (q *Queue) generateRequest(ctx context.Context, job *models.Job) (*models.Request, error) {
	gear, err := q.gears.GetGear(ctx, job.GearID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrGearNotFound, job.GearID)
		}
		return nil, err
	}

	command := gearRunCmd
	if gear.Command != "" {
		command = "rm -rf output; mkdir -p output; " + gear.Command + "; echo \"Exit was $?\""
	}

	env := map[string]string{
		"PATH": "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	}
	keys := make([]string, 0, len(job.Config))
	for k := range job.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env["FW_CONFIG_"+strings.ToUpper(k)] = fmt.Sprint(job.Config[k])
	}

	req := &models.Request{
		Target: models.RequestTarget{
			Image:   gear.Image,
			Command: []string{"bash", "-c", command},
			Env:     env,
			Dir:     gearBaseDir,
		},
	}

	for _, name := range job.InputNames() {
		ref := job.Inputs[name]
		req.Inputs = append(req.Inputs, models.RequestInput{
			Type:     requestScheme,
			URI:      "/" + ref.Type.Plural() + "/" + ref.ID + "/files/" + url.PathEscape(ref.Name),
			Location: gearBaseDir + "/input/" + name + "/" + ref.Name,
		})
	}

	params := url.Values{}
	params.Set("level", string(job.Destination.Type))
	params.Set("id", job.Destination.ID)
	params.Set("job", job.ID)
	req.Outputs = []models.RequestOutput{{
		Type:     requestScheme,
		URI:      "/engine?" + params.Encode(),
		Location: gearBaseDir + "/output",
	}}

	return req, nil
}

// Retry inserts a new pending attempt of a failed job and returns its ID.
// When the attempt cap is reached and force is false, nothing is inserted
// and the returned ID is empty.
func (q *Queue) Retry(ctx context.Context, job *models.Job, force bool) (string, error) {
	if job.State != models.StateFailed {
		return "", fmt.Errorf("%w: can only retry a failed job, job %s is %s", ErrInvalidState, job.ID, job.State)
	}

	log := q.jobLogger(job).WithField("attempt", job.Attempt)
	if job.Attempt >= q.cfg.MaxAttempts && !force {
		q.metrics.IncrementPermafailedJobs()
		log.Warnf("permanently failed after %d attempts", job.Attempt)
		return "", nil
	}

	// The unique index on previous_job_id catches races this read misses.
	existing, err := q.repo.FindSuccessor(ctx, job.ID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", fmt.Errorf("%w: job %s has successor %s", ErrRetryExists, job.ID, existing.ID)
	}

	now := q.now()
	next := job.Clone()
	next.ID = uuid.New().String()
	next.PreviousJobID = job.ID
	next.Attempt = job.Attempt + 1
	next.State = models.StatePending
	next.Request = nil
	next.SavedFiles = nil
	next.ProducedMetadata = nil
	next.Created = now
	next.Modified = now

	if err := q.repo.InsertJob(ctx, next); err != nil {
		if errors.Is(err, repository.ErrDuplicateSuccessor) {
			return "", fmt.Errorf("%w: job %s", ErrRetryExists, job.ID)
		}
		return "", fmt.Errorf("failed to insert retry: %w", err)
	}

	q.metrics.IncrementRetriedJobs()
	log.WithField("new_job_id", next.ID).Infof("retrying job, attempt %d/%d", next.Attempt, q.cfg.MaxAttempts)
	return next.ID, nil
}

// ScanForOrphans fails and retries every running job whose last modification
// is older than the orphan timeout. Returns the number of jobs reaped.
func (q *Queue) ScanForOrphans(ctx context.Context) (int, error) {
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		at := q.now()
		job, err := q.repo.ClaimJob(ctx, repository.ClaimQuery{
			State:          models.StateRunning,
			ModifiedBefore: at.Add(-q.cfg.OrphanTimeout),
			SetState:       models.StateFailed,
			At:             at,
		})
		if err != nil {
			return count, fmt.Errorf("failed to claim orphan: %w", err)
		}
		if job == nil {
			break
		}

		count++
		q.metrics.IncrementOrphanedJobs()
		q.metrics.IncrementFailedJobs()
		q.jobLogger(job).Warn("orphaned job reaped")

		if _, err := q.Retry(ctx, job, false); err != nil {
			q.jobLogger(job).WithError(err).Error("failed to retry orphaned job")
		}
	}

	if count > 0 {
		q.logger.WithField("count", count).Info("orphan scan finished")
	}
	return count, nil
}

// Search returns jobs whose inputs reference any of the containers, newest
// first. All containers must share a type. With no containers, every job
// passing the state and tag filters is returned.
func (q *Queue) Search(ctx context.Context, containers []models.ContainerReference, states []models.JobState, tags []string) ([]*models.Job, error) {
	query := repository.SearchQuery{States: states, Tags: tags}
	for i, c := range containers {
		if i > 0 && c.Type != containers[0].Type {
			return nil, fmt.Errorf("%w: %s and %s", ErrMixedContainerTypes, containers[0].Type, c.Type)
		}
		query.ContainerType = c.Type
		query.ContainerIDs = append(query.ContainerIDs, c.ID)
	}

	jobs, err := q.repo.SearchJobs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to search jobs: %w", err)
	}
	return jobs, nil
}

// Statistics returns job counts by state and tags, and the permanently failed count
func (q *Queue) Statistics(ctx context.Context) (*models.Statistics, error) {
	stats, err := q.repo.Statistics(ctx, q.cfg.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to get statistics: %w", err)
	}
	return stats, nil
}
