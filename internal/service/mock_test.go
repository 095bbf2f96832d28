package service

import (
	"context"
	"gear-queue/internal/logging"
	"gear-queue/internal/metrics"
	"gear-queue/internal/models"
	"gear-queue/internal/repository"
	"sort"
	"strings"
	"sync"
	"time"
)

// mockRepository is an in-memory store with the same conditional write
// semantics as the SQLite repository. Every method holds the lock, so a claim
// is atomic with respect to other claims.
type mockRepository struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	rules   map[string]*models.Rule
	gears   map[string]*models.Gear
	batches map[string]*models.BatchProposal

	claims    int
	insertErr error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		jobs:    make(map[string]*models.Job),
		rules:   make(map[string]*models.Rule),
		gears:   make(map[string]*models.Gear),
		batches: make(map[string]*models.BatchProposal),
	}
}

func (m *mockRepository) InsertJob(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	if job.PreviousJobID != "" {
		for _, j := range m.jobs {
			if j.PreviousJobID == job.PreviousJobID {
				return repository.ErrDuplicateSuccessor
			}
		}
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *mockRepository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return job.Clone(), nil
}

func (m *mockRepository) FindSuccessor(ctx context.Context, previousJobID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.PreviousJobID == previousJobID {
			return j.Clone(), nil
		}
	}
	return nil, nil
}

func hasAnyTag(job *models.Job, tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, t := range tags {
		for _, jt := range job.Tags {
			if t == jt {
				return true
			}
		}
	}
	return false
}

func (m *mockRepository) ClaimJob(ctx context.Context, q repository.ClaimQuery) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims++

	var candidates []*models.Job
	for _, j := range m.jobs {
		if j.State != q.State {
			continue
		}
		if q.Now != nil && j.Now != *q.Now {
			continue
		}
		if !q.ModifiedBefore.IsZero() && !j.Modified.Before(q.ModifiedBefore) {
			continue
		}
		if !hasAnyTag(j, q.Tags) {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(a, b int) bool {
		ja, jb := candidates[a], candidates[b]
		if !ja.Modified.Equal(jb.Modified) {
			if q.Newest {
				return ja.Modified.After(jb.Modified)
			}
			return ja.Modified.Before(jb.Modified)
		}
		return ja.ID < jb.ID
	})

	job := candidates[0]
	job.State = q.SetState
	job.Modified = q.At
	return job.Clone(), nil
}

func (m *mockRepository) UpdateJob(ctx context.Context, id string, expected models.JobState, changes models.JobChanges, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.State != expected {
		return repository.ErrNotSaved
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
	return nil
}

func (m *mockRepository) SetRequest(ctx context.Context, id string, req *models.Request, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.State != models.StateRunning {
		return repository.ErrNotSaved
	}
	job.Request = req
	job.Modified = at
	return nil
}

func (m *mockRepository) SearchJobs(ctx context.Context, q repository.SearchQuery) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Job
	for _, j := range m.jobs {
		if len(q.States) > 0 {
			found := false
			for _, s := range q.States {
				if j.State == s {
					found = true
				}
			}
			if !found {
				continue
			}
		}
		if !hasAnyTag(j, q.Tags) {
			continue
		}
		if len(q.ContainerIDs) > 0 {
			found := false
			for _, in := range j.Inputs {
				for _, id := range q.ContainerIDs {
					if in.Type == q.ContainerType && in.ID == id {
						found = true
					}
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Modified.After(out[b].Modified) })
	return out, nil
}

func (m *mockRepository) Statistics(ctx context.Context, maxAttempts int) (*models.Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &models.Statistics{ByState: make(map[models.JobState]int)}
	byTag := make(map[string]*models.TagCount)
	for _, j := range m.jobs {
		stats.ByState[j.State]++
		key := strings.Join(j.Tags, ",")
		if _, ok := byTag[key]; !ok {
			byTag[key] = &models.TagCount{Tags: j.Tags}
		}
		byTag[key].Count++
		if j.State == models.StateFailed && j.Attempt >= maxAttempts {
			stats.Permafailed++
		}
	}
	for _, tc := range byTag {
		stats.ByTag = append(stats.ByTag, *tc)
	}
	return stats, nil
}

func (m *mockRepository) InsertRule(ctx context.Context, rule *models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rule
	m.rules[rule.ID] = &cp
	return nil
}

func (m *mockRepository) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rule
	return &cp, nil
}

func (m *mockRepository) ListRules(ctx context.Context, scope string) ([]*models.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Rule
	for _, r := range m.rules {
		if r.ProjectID == scope {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *mockRepository) DeleteRule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *mockRepository) InsertGear(ctx context.Context, gear *models.Gear) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *gear
	m.gears[gear.ID] = &cp
	return nil
}

func (m *mockRepository) GetGear(ctx context.Context, id string) (*models.Gear, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gear, ok := m.gears[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *gear
	return &cp, nil
}

func (m *mockRepository) FindGearByName(ctx context.Context, name string) (*models.Gear, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Gear
	for _, g := range m.gears {
		if g.Name == name && (latest == nil || g.Created.After(latest.Created)) {
			latest = g
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *mockRepository) InsertBatch(ctx context.Context, batch *models.BatchProposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *batch
	m.batches[batch.ID] = &cp
	return nil
}

func (m *mockRepository) GetBatch(ctx context.Context, id string) (*models.BatchProposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *batch
	return &cp, nil
}

func (m *mockRepository) UpdateBatch(ctx context.Context, batch *models.BatchProposal, expected models.BatchState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.batches[batch.ID]
	if !ok || stored.State != expected {
		return repository.ErrNotSaved
	}
	cp := *batch
	m.batches[batch.ID] = &cp
	return nil
}

func (m *mockRepository) jobsByState(state models.JobState) []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.State == state {
			out = append(out, j.Clone())
		}
	}
	return out
}

// mockContainerStore keeps containers of one kind in memory
type mockContainerStore struct {
	mu    sync.Mutex
	kind  models.ContainerKind
	items map[string]*models.Container
}

func (s *mockContainerStore) Kind() models.ContainerKind {
	return s.kind
}

func (s *mockContainerStore) GetContainer(ctx context.Context, id string) (*models.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c.Copy(), nil
}

func (s *mockContainerStore) PutContainer(ctx context.Context, c *models.Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Files == nil {
		c.Files = []models.File{}
	}
	s.items[c.ID] = c.Copy()
	return nil
}

func newMockRegistry() *repository.Registry {
	stores := make([]repository.ContainerStore, 0, len(models.ContainerKinds))
	for _, k := range models.ContainerKinds {
		stores = append(stores, &mockContainerStore{kind: k, items: make(map[string]*models.Container)})
	}
	return repository.NewRegistry(stores...)
}

// testEnv wires every service against the in-memory stores
type testEnv struct {
	repo       *mockRepository
	containers *repository.Registry
	metrics    *metrics.Metrics
	queue      *Queue
	spawner    *Spawner
	jobs       *JobService
	files      *FileService
	batches    *BatchService
}

func newTestEnv(cfg QueueConfig) *testEnv {
	logger := logging.Discard()
	repo := newMockRepository()
	containers := newMockRegistry()
	m := metrics.NewMetrics()

	queue := NewQueue(repo, repo, cfg, m, logger)
	spawner := NewSpawner(repo, repo, containers, queue, NewRuleEvaluator(logger), logger)
	jobs := NewJobService(queue, repo, containers, logger)

	return &testEnv{
		repo:       repo,
		containers: containers,
		metrics:    m,
		queue:      queue,
		spawner:    spawner,
		jobs:       jobs,
		files:      NewFileService(containers, repo, repo, spawner, logger),
		batches:    NewBatchService(repo, repo, containers, jobs, queue, logger),
	}
}

func (e *testEnv) putContainer(c *models.Container) {
	if err := e.containers.PutContainer(context.Background(), c); err != nil {
		panic(err)
	}
}

func (e *testEnv) putGear(g *models.Gear) {
	if err := e.repo.InsertGear(context.Background(), g); err != nil {
		panic(err)
	}
}

// seedJob stores a job directly, bypassing the queue
func (e *testEnv) seedJob(job *models.Job) {
	if job.Tags == nil {
		job.Tags = []string{}
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	if err := e.repo.InsertJob(context.Background(), job); err != nil {
		panic(err)
	}
}
