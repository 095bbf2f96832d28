package repository

import (
	"context"
	"errors"
	"gear-queue/internal/models"
	"time"
)

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("not found")

	// ErrNotSaved is returned when a conditional write matched no document,
	// meaning another process changed it first
	ErrNotSaved = errors.New("modification not saved")

	// ErrDuplicateSuccessor is returned when a retry job for the same
	// previous job has already been inserted
	ErrDuplicateSuccessor = errors.New("previous job already has a successor")
)

// ClaimQuery selects one job and atomically moves it to SetState
type ClaimQuery struct {
	State          models.JobState
	Now            *bool
	Tags           []string
	ModifiedBefore time.Time
	Newest         bool
	SetState       models.JobState
	At             time.Time
}

// SearchQuery selects jobs by the containers their inputs reference
type SearchQuery struct {
	ContainerType models.ContainerKind
	ContainerIDs  []string
	States        []models.JobState
	Tags          []string
}

// JobRepository defines the interface for job persistence
type JobRepository interface {
	InsertJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	FindSuccessor(ctx context.Context, previousJobID string) (*models.Job, error)
	ClaimJob(ctx context.Context, q ClaimQuery) (*models.Job, error)
	UpdateJob(ctx context.Context, id string, expected models.JobState, changes models.JobChanges, at time.Time) error
	SetRequest(ctx context.Context, id string, req *models.Request, at time.Time) error
	SearchJobs(ctx context.Context, q SearchQuery) ([]*models.Job, error)
	Statistics(ctx context.Context, maxAttempts int) (*models.Statistics, error)
}

// RuleRepository persists rules scoped to a project or to the site
type RuleRepository interface {
	InsertRule(ctx context.Context, rule *models.Rule) error
	GetRule(ctx context.Context, id string) (*models.Rule, error)
	ListRules(ctx context.Context, scope string) ([]*models.Rule, error)
	DeleteRule(ctx context.Context, id string) error
}

// GearRepository persists gear manifests
type GearRepository interface {
	InsertGear(ctx context.Context, gear *models.Gear) error
	GetGear(ctx context.Context, id string) (*models.Gear, error)
	FindGearByName(ctx context.Context, name string) (*models.Gear, error)
}

// BatchRepository persists batch proposals
type BatchRepository interface {
	InsertBatch(ctx context.Context, batch *models.BatchProposal) error
	GetBatch(ctx context.Context, id string) (*models.BatchProposal, error)
	UpdateBatch(ctx context.Context, batch *models.BatchProposal, expected models.BatchState) error
}
