package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"gear-queue/internal/models"
)

// InsertRule stores a new rule
func (r *SQLiteRepository) InsertRule(ctx context.Context, rule *models.Rule) error {
	doc, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to encode rule: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO rules (id, project_id, doc) VALUES (?, ?, ?)`,
		rule.ID, rule.ProjectID, string(doc))
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

// GetRule retrieves a rule by ID
func (r *SQLiteRepository) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	var doc string
	err := r.db.QueryRowContext(ctx, `SELECT doc FROM rules WHERE id = ?`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	var rule models.Rule
	if err := json.Unmarshal([]byte(doc), &rule); err != nil {
		return nil, fmt.Errorf("failed to decode rule: %w", err)
	}
	return &rule, nil
}

// ListRules returns the rules of a project, or site rules for SiteScope
func (r *SQLiteRepository) ListRules(ctx context.Context, scope string) ([]*models.Rule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT doc FROM rules WHERE project_id = ? ORDER BY id`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.Rule
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		var rule models.Rule
		if err := json.Unmarshal([]byte(doc), &rule); err != nil {
			return nil, fmt.Errorf("failed to decode rule: %w", err)
		}
		rules = append(rules, &rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}
	return rules, nil
}

// DeleteRule removes a rule
func (r *SQLiteRepository) DeleteRule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertGear stores a gear manifest
func (r *SQLiteRepository) InsertGear(ctx context.Context, gear *models.Gear) error {
	doc, err := json.Marshal(gear)
	if err != nil {
		return fmt.Errorf("failed to encode gear: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO gears (id, name, created, doc) VALUES (?, ?, ?, ?)`,
		gear.ID, gear.Name, toNano(gear.Created), string(doc))
	if err != nil {
		return fmt.Errorf("failed to create gear: %w", err)
	}
	return nil
}

// GetGear retrieves a gear by ID
func (r *SQLiteRepository) GetGear(ctx context.Context, id string) (*models.Gear, error) {
	return r.queryGear(ctx, `SELECT doc FROM gears WHERE id = ?`, id)
}

// FindGearByName returns the most recently registered gear with this name
func (r *SQLiteRepository) FindGearByName(ctx context.Context, name string) (*models.Gear, error) {
	return r.queryGear(ctx, `SELECT doc FROM gears WHERE name = ? ORDER BY created DESC LIMIT 1`, name)
}

func (r *SQLiteRepository) queryGear(ctx context.Context, query string, arg string) (*models.Gear, error) {
	var doc string
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get gear: %w", err)
	}
	var gear models.Gear
	if err := json.Unmarshal([]byte(doc), &gear); err != nil {
		return nil, fmt.Errorf("failed to decode gear: %w", err)
	}
	return &gear, nil
}

// InsertBatch stores a new batch proposal
func (r *SQLiteRepository) InsertBatch(ctx context.Context, batch *models.BatchProposal) error {
	doc, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO batches (id, state, modified, doc) VALUES (?, ?, ?, ?)`,
		batch.ID, batch.State, toNano(batch.Modified), string(doc))
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch proposal by ID
func (r *SQLiteRepository) GetBatch(ctx context.Context, id string) (*models.BatchProposal, error) {
	var doc string
	err := r.db.QueryRowContext(ctx, `SELECT doc FROM batches WHERE id = ?`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	var batch models.BatchProposal
	if err := json.Unmarshal([]byte(doc), &batch); err != nil {
		return nil, fmt.Errorf("failed to decode batch: %w", err)
	}
	return &batch, nil
}

// UpdateBatch replaces a batch document if it is still in the expected state
func (r *SQLiteRepository) UpdateBatch(ctx context.Context, batch *models.BatchProposal, expected models.BatchState) error {
	doc, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE batches SET state = ?, modified = ?, doc = ? WHERE id = ? AND state = ?`,
		batch.State, toNano(batch.Modified), string(doc), batch.ID, expected)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	if n == 0 {
		return ErrNotSaved
	}
	return nil
}
