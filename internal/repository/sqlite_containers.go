package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"gear-queue/internal/models"
	"time"
)

// sqliteContainerStore keeps the containers of one kind in their own table
type sqliteContainerStore struct {
	db    *sql.DB
	kind  models.ContainerKind
	table string
}

func newSQLiteContainerStore(db *sql.DB, kind models.ContainerKind) *sqliteContainerStore {
	return &sqliteContainerStore{db: db, kind: kind, table: containerTable(kind)}
}

func containerTable(kind models.ContainerKind) string {
	return kind.Plural()
}

func (s *sqliteContainerStore) Kind() models.ContainerKind {
	return s.kind
}

// parentOf returns the direct parent a container of this kind must have
func (s *sqliteContainerStore) parentOf(c *models.Container) (*models.ContainerReference, error) {
	switch s.kind {
	case models.KindProject:
		if c.Group == "" {
			return nil, nil
		}
		return &models.ContainerReference{Type: models.KindGroup, ID: c.Group}, nil
	case models.KindSession:
		if c.Project == "" {
			return nil, fmt.Errorf("session %s has no project", c.ID)
		}
		return &models.ContainerReference{Type: models.KindProject, ID: c.Project}, nil
	case models.KindAcquisition:
		if c.Session == "" {
			return nil, fmt.Errorf("acquisition %s has no session", c.ID)
		}
		return &models.ContainerReference{Type: models.KindSession, ID: c.Session}, nil
	case models.KindAnalysis:
		if c.Parent == nil {
			return nil, fmt.Errorf("analysis %s has no parent", c.ID)
		}
		return c.Parent, nil
	}
	return nil, nil
}

// GetContainer retrieves a container by ID
func (s *sqliteContainerStore) GetContainer(ctx context.Context, id string) (*models.Container, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM `+s.table+` WHERE id = ?`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", s.kind, err)
	}

	var c models.Container
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", s.kind, err)
	}
	return &c, nil
}

// PutContainer inserts or replaces a container
func (s *sqliteContainerStore) PutContainer(ctx context.Context, c *models.Container) error {
	if c.Kind == "" {
		c.Kind = s.kind
	}
	if c.Kind != s.kind {
		return fmt.Errorf("cannot store %s in %s table", c.Kind, s.table)
	}
	parent, err := s.parentOf(c)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if c.Created.IsZero() {
		c.Created = now
	}
	c.Modified = now
	if c.Files == nil {
		c.Files = []models.File{}
	}

	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", s.kind, err)
	}

	var parentType, parentID interface{}
	if parent != nil {
		parentType, parentID = parent.Type, parent.ID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+s.table+` (id, parent_type, parent_id, modified, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			parent_type = excluded.parent_type,
			parent_id   = excluded.parent_id,
			modified    = excluded.modified,
			doc         = excluded.doc`,
		c.ID, parentType, parentID, toNano(c.Modified), string(doc))
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", s.kind, err)
	}
	return nil
}
