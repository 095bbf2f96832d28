package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"gear-queue/internal/models"
	"strings"
	"time"
)

const jobColumns = `id, gear_id, inputs, destination_type, destination_id, config, tags, state,
	attempt, previous_job_id, now, origin_type, origin_id, batch_id, request,
	saved_files, produced_metadata, created, modified`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var inputs, config, tags, request, savedFiles, produced sql.NullString
	var previous, batch sql.NullString
	var now int
	var created, modified int64

	err := row.Scan(
		&job.ID,
		&job.GearID,
		&inputs,
		&job.Destination.Type,
		&job.Destination.ID,
		&config,
		&tags,
		&job.State,
		&job.Attempt,
		&previous,
		&now,
		&job.Origin.Type,
		&job.Origin.ID,
		&batch,
		&request,
		&savedFiles,
		&produced,
		&created,
		&modified,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalColumn(inputs, &job.Inputs); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	if err := unmarshalColumn(config, &job.Config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := unmarshalColumn(tags, &job.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if request.Valid {
		job.Request = &models.Request{}
		if err := unmarshalColumn(request, job.Request); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
	}
	if err := unmarshalColumn(savedFiles, &job.SavedFiles); err != nil {
		return nil, fmt.Errorf("decode saved_files: %w", err)
	}
	if err := unmarshalColumn(produced, &job.ProducedMetadata); err != nil {
		return nil, fmt.Errorf("decode produced_metadata: %w", err)
	}

	job.PreviousJobID = previous.String
	job.BatchID = batch.String
	job.Now = now != 0
	job.Created = fromNano(created)
	job.Modified = fromNano(modified)

	return &job, nil
}

// InsertJob stores a new job. Created and Modified must already be set.
func (r *SQLiteRepository) InsertJob(ctx context.Context, job *models.Job) error {
	query := `INSERT INTO jobs (` + jobColumns + `) VALUES (` + placeholders(19) + `)`

	inputs, err := marshalColumn(job.Inputs)
	if err != nil {
		return fmt.Errorf("failed to encode inputs: %w", err)
	}
	config, err := marshalColumn(job.Config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	tags, err := marshalColumn(job.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	var request interface{}
	if job.Request != nil {
		encoded, err := marshalColumn(job.Request)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		request = encoded
	}
	savedFiles, err := marshalColumn(job.SavedFiles)
	if err != nil {
		return fmt.Errorf("failed to encode saved_files: %w", err)
	}
	produced, err := marshalColumn(job.ProducedMetadata)
	if err != nil {
		return fmt.Errorf("failed to encode produced_metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query,
		job.ID,
		job.GearID,
		inputs,
		job.Destination.Type,
		job.Destination.ID,
		config,
		tags,
		job.State,
		job.Attempt,
		nullString(job.PreviousJobID),
		boolToInt(job.Now),
		job.Origin.Type,
		job.Origin.ID,
		nullString(job.BatchID),
		request,
		savedFiles,
		produced,
		toNano(job.Created),
		toNano(job.Modified),
	)
	if err != nil {
		if job.PreviousJobID != "" && isUniqueViolation(err) && strings.Contains(err.Error(), "previous_job_id") {
			return ErrDuplicateSuccessor
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob retrieves a job by ID
func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// FindSuccessor returns the retry of previousJobID, or nil if none exists
func (r *SQLiteRepository) FindSuccessor(ctx context.Context, previousJobID string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE previous_job_id = ? LIMIT 1`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, previousJobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find successor: %w", err)
	}
	return job, nil
}

// ClaimJob atomically moves one matching job to q.SetState and returns it.
// The select and the update run as one statement, so two callers never
// claim the same row. Returns nil when nothing matches.
func (r *SQLiteRepository) ClaimJob(ctx context.Context, q ClaimQuery) (*models.Job, error) {
	var where []string
	var args []interface{}

	where = append(where, "state = ?")
	args = append(args, q.State)

	if q.Now != nil {
		where = append(where, "now = ?")
		args = append(args, boolToInt(*q.Now))
	}
	if !q.ModifiedBefore.IsZero() {
		where = append(where, "modified < ?")
		args = append(args, toNano(q.ModifiedBefore))
	}
	if len(q.Tags) > 0 {
		where = append(where, `EXISTS (SELECT 1 FROM json_each(jobs.tags) WHERE json_each.value IN (`+placeholders(len(q.Tags))+`))`)
		for _, t := range q.Tags {
			args = append(args, t)
		}
	}

	order := "modified ASC, id ASC"
	if q.Newest {
		order = "modified DESC, id ASC"
	}

	query := `
		UPDATE jobs
		SET state = ?, modified = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE ` + strings.Join(where, " AND ") + `
			ORDER BY ` + order + `
			LIMIT 1
		) AND state = ?
		RETURNING ` + jobColumns

	all := append([]interface{}{q.SetState, toNano(q.At)}, args...)
	all = append(all, q.State)

	job, err := scanJob(r.db.QueryRowContext(ctx, query, all...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// UpdateJob applies changes if the job is still in the expected state
func (r *SQLiteRepository) UpdateJob(ctx context.Context, id string, expected models.JobState, changes models.JobChanges, at time.Time) error {
	var set []string
	var args []interface{}

	if changes.State != "" {
		set = append(set, "state = ?")
		args = append(args, changes.State)
	}
	if changes.Now != nil {
		set = append(set, "now = ?")
		args = append(args, boolToInt(*changes.Now))
	}
	if changes.SavedFiles != nil {
		encoded, err := marshalColumn(changes.SavedFiles)
		if err != nil {
			return fmt.Errorf("failed to encode saved_files: %w", err)
		}
		set = append(set, "saved_files = ?")
		args = append(args, encoded)
	}
	if changes.ProducedMetadata != nil {
		encoded, err := marshalColumn(changes.ProducedMetadata)
		if err != nil {
			return fmt.Errorf("failed to encode produced_metadata: %w", err)
		}
		set = append(set, "produced_metadata = ?")
		args = append(args, encoded)
	}
	set = append(set, "modified = ?")
	args = append(args, toNano(at), id, expected)

	query := `UPDATE jobs SET ` + strings.Join(set, ", ") + ` WHERE id = ? AND state = ?`

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n == 0 {
		return ErrNotSaved
	}
	return nil
}

// SetRequest stores the execution request of a running job
func (r *SQLiteRepository) SetRequest(ctx context.Context, id string, req *models.Request, at time.Time) error {
	encoded, err := marshalColumn(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET request = ?, modified = ? WHERE id = ? AND state = 'running'`,
		encoded, toNano(at), id)
	if err != nil {
		return fmt.Errorf("failed to set request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set request: %w", err)
	}
	if n == 0 {
		return ErrNotSaved
	}
	return nil
}

// SearchJobs returns jobs with an input in any of the given containers,
// newest modification first
func (r *SQLiteRepository) SearchJobs(ctx context.Context, q SearchQuery) ([]*models.Job, error) {
	var where []string
	var args []interface{}

	if len(q.ContainerIDs) > 0 {
		where = append(where, `EXISTS (
			SELECT 1 FROM json_each(jobs.inputs) AS i
			WHERE json_extract(i.value, '$.type') = ?
			  AND json_extract(i.value, '$.id') IN (`+placeholders(len(q.ContainerIDs))+`))`)
		args = append(args, q.ContainerType)
		for _, id := range q.ContainerIDs {
			args = append(args, id)
		}
	}
	if len(q.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(q.States))+")")
		for _, s := range q.States {
			args = append(args, s)
		}
	}
	if len(q.Tags) > 0 {
		where = append(where, `EXISTS (SELECT 1 FROM json_each(jobs.tags) WHERE json_each.value IN (`+placeholders(len(q.Tags))+`))`)
		for _, t := range q.Tags {
			args = append(args, t)
		}
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY modified DESC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	return jobs, nil
}

// Statistics counts jobs by state and tag combination
func (r *SQLiteRepository) Statistics(ctx context.Context, maxAttempts int) (*models.Statistics, error) {
	stats := &models.Statistics{ByState: make(map[models.JobState]int)}

	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count states: %w", err)
	}
	for rows.Next() {
		var state models.JobState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan state count: %w", err)
		}
		stats.ByState[state] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate state counts: %w", err)
	}

	rows, err = r.db.QueryContext(ctx, `SELECT tags, COUNT(*) FROM jobs GROUP BY tags ORDER BY COUNT(*) DESC, tags ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tags: %w", err)
	}
	for rows.Next() {
		var raw sql.NullString
		var tc models.TagCount
		if err := rows.Scan(&raw, &tc.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan tag count: %w", err)
		}
		if err := unmarshalColumn(raw, &tc.Tags); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode tags: %w", err)
		}
		stats.ByTag = append(stats.ByTag, tc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tag counts: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE state = 'failed' AND attempt >= ?`, maxAttempts,
	).Scan(&stats.Permafailed)
	if err != nil {
		return nil, fmt.Errorf("failed to count permafailed jobs: %w", err)
	}

	return stats, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
