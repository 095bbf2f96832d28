package service

import (
	"context"
	"fmt"
	"gear-queue/internal/models"
	"gear-queue/internal/repository"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []models.JobState{
	models.StatePending, models.StateRunning, models.StateFailed, models.StateComplete, models.StateCancelled,
}

func dcm2niiGear() *models.Gear {
	return &models.Gear{
		ID:       "gear-dcm2nii",
		Name:     "dcm2nii",
		Version:  "1.0.0",
		Category: models.CategoryConverter,
		Image:    "scitran/dcm2nii:1.0.0",
		Inputs: map[string]models.GearInput{
			"dicom": {Base: models.InputBaseFile},
		},
		Config: map[string]map[string]any{
			"compress": {"type": "boolean", "default": true},
		},
		Created: time.Now().UTC(),
	}
}

func pendingJob(id string, modified time.Time) *models.Job {
	return &models.Job{
		ID:     id,
		GearID: "gear-dcm2nii",
		Inputs: map[string]models.FileReference{
			"dicom": {Type: models.KindAcquisition, ID: "acq-1", Name: id + ".dcm"},
		},
		Destination: models.ContainerReference{Type: models.KindAcquisition, ID: "acq-1"},
		State:       models.StatePending,
		Attempt:     1,
		Created:     modified,
		Modified:    modified,
	}
}

func TestValidTransitionTable(t *testing.T) {
	legal := map[[2]models.JobState]bool{
		{models.StatePending, models.StateRunning}:  true,
		{models.StateRunning, models.StateFailed}:   true,
		{models.StateRunning, models.StateComplete}: true,
	}

	for _, from := range allStates {
		for _, to := range allStates {
			want := from == to || legal[[2]models.JobState{from, to}]
			assert.Equal(t, want, ValidTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestQueue_Mutate_RejectsIllegalTransitions(t *testing.T) {
	legal := map[[2]models.JobState]bool{
		{models.StatePending, models.StatePending}:  true,
		{models.StatePending, models.StateRunning}:  true,
		{models.StateRunning, models.StateRunning}:  true,
		{models.StateRunning, models.StateFailed}:   true,
		{models.StateRunning, models.StateComplete}: true,
	}

	for _, from := range allStates {
		for _, to := range allStates {
			t.Run(fmt.Sprintf("%s_to_%s", from, to), func(t *testing.T) {
				env := newTestEnv(DefaultQueueConfig())
				job := pendingJob("job-1", time.Now().UTC())
				job.State = from
				env.seedJob(job)

				err := env.queue.Mutate(context.Background(), job, models.JobChanges{State: to})
				if legal[[2]models.JobState{from, to}] {
					require.NoError(t, err)
					stored, err := env.queue.Get(context.Background(), job.ID)
					require.NoError(t, err)
					assert.Equal(t, to, stored.State)
					return
				}

				require.Error(t, err)
				if from.Terminal() {
					assert.ErrorIs(t, err, ErrInvalidState)
				} else {
					assert.ErrorIs(t, err, ErrInvalidTransition)
				}
				stored, err := env.queue.Get(context.Background(), job.ID)
				require.NoError(t, err)
				assert.Equal(t, from, stored.State, "rejected mutation must not change the job")
			})
		}
	}
}

func TestQueue_Mutate_StaleWrite(t *testing.T) {
	env := newTestEnv(DefaultQueueConfig())
	env.seedJob(pendingJob("job-1", time.Now().UTC()))

	first, err := env.queue.Get(context.Background(), "job-1")
	require.NoError(t, err)
	second, err := env.queue.Get(context.Background(), "job-1")
	require.NoError(t, err)

	require.NoError(t, env.queue.Mutate(context.Background(), first, models.JobChanges{State: models.StateRunning}))

	err = env.queue.Mutate(context.Background(), second, models.JobChanges{State: models.StateRunning})
	assert.ErrorIs(t, err, repository.ErrNotSaved)
}

func TestQueue_Enqueue_Defaults(t *testing.T) {
	env := newTestEnv(DefaultQueueConfig())

	job, err := env.queue.Enqueue(context.Background(), &models.Job{
		GearID: "gear-dcm2nii",
		Inputs: map[string]models.FileReference{
			"b": {Type: models.KindSession, ID: "ses-2", Name: "b.dcm"},
			"a": {Type: models.KindAcquisition, ID: "acq-1", Name: "a.dcm"},
		},
		Tags: []string{"dcm2nii", "auto", "dcm2nii"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.StatePending, job.State)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, []string{"auto", "dcm2nii"}, job.Tags)
	assert.Equal(t, models.ContainerReference{Type: models.KindAcquisition, ID: "acq-1"}, job.Destination)
	assert.Equal(t, int64(1), env.metrics.GetSnapshot()["enqueued_jobs"])
}

func TestQueue_Enqueue_NoInputs(t *testing.T) {
	env := newTestEnv(DefaultQueueConfig())

	_, err := env.queue.Enqueue(context.Background(), &models.Job{GearID: "gear-dcm2nii"})
	assert.ErrorIs(t, err, ErrNoInputs)
}

func TestQueue_StartJob_GeneratesRequest(t *testing.T) {
	env := newTestEnv(DefaultQueueConfig())
	env.putGear(dcm2niiGear())
	job := pendingJob("job-1", time.Now().UTC())
	job.Config = map[string]any{"compress": true}
	env.seedJob(job)

	started, err := env.queue.StartJob(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, started)

	assert.Equal(t, models.StateRunning, started.State)
	require.NotNil(t, started.Request)
	assert.Equal(t, "scitran/dcm2nii:1.0.0", started.Request.Target.Image)
	assert.Equal(t, "/flywheel/v0", started.Request.Target.Dir)
	assert.Equal(t, "true", started.Request.Target.Env["FW_CONFIG_COMPRESS"])
	require.Len(t, started.Request.Target.Command, 3)
	assert.Contains(t, started.Request.Target.Command[2], "./run")

	require.Len(t, started.Request.Inputs, 1)
	assert.Equal(t, "/acquisitions/acq-1/files/job-1.dcm", started.Request.Inputs[0].URI)
	assert.Equal(t, "/flywheel/v0/input/dicom/job-1.dcm", started.Request.Inputs[0].Location)

	require.Len(t, started.Request.Outputs, 1)
	assert.Equal(t, "/engine?id=acq-1&job=job-1&level=acquisition", started.Request.Outputs[0].URI)

	stored, err := env.queue.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.NotNil(t, stored.Request)
}

func TestQueue_StartJob_Empty(t *testing.T) {
	env := newTestEnv(DefaultQueueConfig())

	job, err := env.queue.StartJob(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestQueue_StartJob_MissingGearFailsJob(t *testing.T) {
	env := newTestEnv(DefaultQueueConfig())
	env.seedJob(pendingJob("job-1", time.Now().UTC()))

	_, err := env.queue.StartJob(context.Background(), nil)
	assert.ErrorIs(t, err, ErrGearNotFound)

	stored, err := env.queue.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, stored.State)
}

func TestQueue_StartJob_PrefersNowThenOldest(t *testing.T) {
	env := newTestEnv(DefaultQueueConfig())
	env.putGear(dcm2niiGear())
	base := time.Now().UTC().Add(-time.Hour)

	env.seedJob(pendingJob("oldest", base))
	env.seedJob(pendingJob("newer", base.Add(2*time.Minute)))
	urgentOld := pendingJob("urgent-old", base.Add(time.Minute))
	urgentOld.Now = true
	env.seedJob(urgentOld)
	urgentNew := pendingJob("urgent-new", base.Add(3*time.Minute))
	urgentNew.Now = true
	env.seedJob(urgentNew)

	var order []string
	for {
		job, err := env.queue.StartJob(context.Background(), nil)
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.ID)
	}

	assert.Equal(t, []string{"urgent-new", "urgent-old", "oldest", "newer"}, order)
}

func TestQueue_StartJob_FiltersByTags(t *testing.T) {
	env := newTestEnv(DefaultQueueConfig())
	env.putGear(dcm2niiGear())
	gpu := pendingJob("gpu-job", time.Now().UTC())
	gpu.Tags = []string{"gpu"}
	env.seedJob(gpu)
	env.seedJob(pendingJob("plain-job", time.Now().UTC().Add(-time.Minute)))

	job, err := env.queue.StartJob(context.Background(), []string{"gpu"})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "gpu-job", job.ID)

	job, err = env.queue.StartJob(context.Background(), []string{"gpu"})
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestQueue_StartJob_ConcurrentClaimsAreExclusive(t *testing.T) {
	env := newTestEnv(DefaultQueueConfig())
	env.putGear(dcm2niiGear())
	base := time.Now().UTC().Add(-time.Hour)
	const total = 50
	for i := 0; i < total; i++ {
		env.seedJob(pendingJob(fmt.Sprintf("job-%02d", i), base.Add(time.Duration(i)*time.Second)))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := env.queue.StartJob(context.Background(), nil)
				if err != nil {
					t.Errorf("start job: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, total)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
	assert.Empty(t, env.repo.jobsByState(models.StatePending))
}

func TestQueue_Retry(t *testing.T) {
	env := newTestEnv(DefaultQueueConfig())
	job := pendingJob("job-1", time.Now().UTC())
	job.State = models.StateFailed
	job.Tags = []string{"dcm2nii"}
	env.seedJob(job)

	id, err := env.queue.Retry(context.Background(), job, false)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	next, err := env.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, next.State)
	assert.Equal(t, 2, next.Attempt)
	assert.Equal(t, "job-1", next.PreviousJobID)
	assert.Equal(t, job.Inputs, next.Inputs)
	assert.Equal(t, []string{"dcm2nii"}, next.Tags)
	assert.Nil(t, next.Request)
	assert.Equal(t, int64(1), env.metrics.GetSnapshot()["retried_jobs"])
}

func TestQueue_Retry_OnlyFailedJobs(t *testing.T) {
	env := newTestEnv(DefaultQueueConfig())
	job := pendingJob("job-1", time.Now().UTC())
	env.seedJob(job)

	_, err := env.queue.Retry(context.Background(), job, false)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestQueue_Retry_AttemptCap(t *testing.T) {
	env := newTestEnv(QueueConfig{MaxAttempts: 3, OrphanTimeout: time.Minute})
	job := pendingJob("job-1", time.Now().UTC())
	job.State = models.StateFailed
	job.Attempt = 3
	env.seedJob(job)

	id, err := env.queue.Retry(context.Background(), job, false)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Len(t, env.repo.jobs, 1, "capped retry must not insert a job")
	assert.Equal(t, int64(1), env.metrics.GetSnapshot()["permafailed_jobs"])

	stats, err := env.queue.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Permafailed)

	id, err = env.queue.Retry(context.Background(), job, true)
	require.NoError(t, err)
	assert.NotEmpty(t, id, "force retries past the cap")
}

func TestQueue_Retry_RefusesSecondSuccessor(t *testing.T) {
	env := newTestEnv(DefaultQueueConfig())
	job := pendingJob("job-1", time.Now().UTC())
	job.State = models.StateFailed
	env.seedJob(job)

	_, err := env.queue.Retry(context.Background(), job, false)
	require.NoError(t, err)

	_, err = env.queue.Retry(context.Background(), job, false)
	assert.ErrorIs(t, err, ErrRetryExists)
}

func TestQueue_Retry_DuplicateInsertIsRetryExists(t *testing.T) {
	env := newTestEnv(DefaultQueueConfig())
	job := pendingJob("job-1", time.Now().UTC())
	job.State = models.StateFailed
	env.seedJob(job)
	env.repo.insertErr = repository.ErrDuplicateSuccessor

	_, err := env.queue.Retry(context.Background(), job, false)
	assert.ErrorIs(t, err, ErrRetryExists)
}

func TestQueue_RetryChain(t *testing.T) {
	env := newTestEnv(QueueConfig{MaxAttempts: 4, OrphanTimeout: time.Minute})
	env.putGear(dcm2niiGear())
	env.seedJob(pendingJob("job-1", time.Now().UTC().Add(-time.Hour)))

	var lastID string
	for {
		job, err := env.queue.StartJob(context.Background(), nil)
		require.NoError(t, err)
		if job == nil {
			break
		}
		require.NoError(t, env.queue.Mutate(context.Background(), job, models.JobChanges{State: models.StateFailed}))
		lastID = job.ID
		if _, err := env.queue.Retry(context.Background(), job, false); err != nil {
			t.Fatalf("retry: %v", err)
		}
	}

	// Walk back from the last attempt to the first
	seen := make(map[string]bool)
	job, err := env.queue.Get(context.Background(), lastID)
	require.NoError(t, err)
	assert.Equal(t, 4, job.Attempt)
	for job.PreviousJobID != "" {
		require.False(t, seen[job.ID], "cycle at %s", job.ID)
		seen[job.ID] = true

		prev, err := env.queue.Get(context.Background(), job.PreviousJobID)
		require.NoError(t, err)
		assert.Equal(t, job.Attempt-1, prev.Attempt)
		job = prev
	}
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, 1, job.Attempt)
}

func TestQueue_RetryOnFail(t *testing.T) {
	env := newTestEnv(QueueConfig{MaxAttempts: 3, OrphanTimeout: time.Minute, RetryOnFail: true})
	job := pendingJob("job-1", time.Now().UTC())
	job.State = models.StateRunning
	env.seedJob(job)

	require.NoError(t, env.queue.Mutate(context.Background(), job, models.JobChanges{State: models.StateFailed}))

	pending := env.repo.jobsByState(models.StatePending)
	require.Len(t, pending, 1)
	assert.Equal(t, "job-1", pending[0].PreviousJobID)
}

func TestQueue_RetryOnFail_RetryErrorKeepsFailure(t *testing.T) {
	env := newTestEnv(QueueConfig{MaxAttempts: 3, OrphanTimeout: time.Minute, RetryOnFail: true})
	job := pendingJob("job-1", time.Now().UTC())
	job.State = models.StateRunning
	env.seedJob(job)
	env.repo.insertErr = repository.ErrDuplicateSuccessor

	require.NoError(t, env.queue.Mutate(context.Background(), job, models.JobChanges{State: models.StateFailed}))
	assert.Equal(t, models.StateFailed, job.State)

	stored, err := env.queue.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, stored.State)
	assert.Empty(t, env.repo.jobsByState(models.StatePending))
}

func TestQueue_ScanForOrphans(t *testing.T) {
	env := newTestEnv(QueueConfig{MaxAttempts: 3, OrphanTimeout: 100 * time.Second})
	now := time.Now().UTC()
	env.queue.now = func() time.Time { return now }

	stale := pendingJob("stale", now.Add(-200*time.Second))
	stale.State = models.StateRunning
	env.seedJob(stale)
	fresh := pendingJob("fresh", now.Add(-10*time.Second))
	fresh.State = models.StateRunning
	env.seedJob(fresh)

	count, err := env.queue.ScanForOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	reaped, err := env.queue.Get(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, reaped.State)

	pending := env.repo.jobsByState(models.StatePending)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempt)
	assert.Equal(t, "stale", pending[0].PreviousJobID)

	untouched, err := env.queue.Get(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, untouched.State)

	snapshot := env.metrics.GetSnapshot()
	assert.Equal(t, int64(1), snapshot["orphaned_jobs"])
	assert.Equal(t, int64(1), snapshot["retried_jobs"])
}

func TestQueue_Search(t *testing.T) {
	env := newTestEnv(DefaultQueueConfig())
	base := time.Now().UTC()
	env.seedJob(pendingJob("job-1", base))
	other := pendingJob("job-2", base.Add(time.Second))
	other.Inputs = map[string]models.FileReference{
		"dicom": {Type: models.KindAcquisition, ID: "acq-2", Name: "x.dcm"},
	}
	other.State = models.StateFailed
	env.seedJob(other)

	jobs, err := env.queue.Search(context.Background(),
		[]models.ContainerReference{{Type: models.KindAcquisition, ID: "acq-2"}}, nil, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-2", jobs[0].ID)

	jobs, err = env.queue.Search(context.Background(), nil, []models.JobState{models.StatePending}, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)

	_, err = env.queue.Search(context.Background(), []models.ContainerReference{
		{Type: models.KindAcquisition, ID: "acq-1"},
		{Type: models.KindSession, ID: "ses-1"},
	}, nil, nil)
	assert.ErrorIs(t, err, ErrMixedContainerTypes)
}

func TestQueue_Statistics(t *testing.T) {
	env := newTestEnv(DefaultQueueConfig())
	a := pendingJob("job-1", time.Now().UTC())
	a.Tags = []string{"dcm2nii"}
	env.seedJob(a)
	b := pendingJob("job-2", time.Now().UTC())
	b.Tags = []string{"dcm2nii"}
	b.State = models.StateComplete
	env.seedJob(b)

	stats, err := env.queue.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByState[models.StatePending])
	assert.Equal(t, 1, stats.ByState[models.StateComplete])
	require.Len(t, stats.ByTag, 1)
	assert.Equal(t, 2, stats.ByTag[0].Count)
	assert.Equal(t, 0, stats.Permafailed)
}
