package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"gear-queue/internal/models"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteRepository stores jobs, rules, gears, batches and containers in SQLite.
// Every state-changing job write is a single conditional UPDATE, so several
// processes may share one database file.
type SQLiteRepository struct {
	db *sql.DB
}

var (
	_ JobRepository   = (*SQLiteRepository)(nil)
	_ RuleRepository  = (*SQLiteRepository)(nil)
	_ GearRepository  = (*SQLiteRepository)(nil)
	_ BatchRepository = (*SQLiteRepository)(nil)
)

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Containers returns a registry with one store per container kind
func (r *SQLiteRepository) Containers() *Registry {
	stores := make([]ContainerStore, 0, len(models.ContainerKinds))
	for _, kind := range models.ContainerKinds {
		stores = append(stores, newSQLiteContainerStore(r.db, kind))
	}
	return NewRegistry(stores...)
}

// initSchema initializes the database schema
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		gear_id TEXT NOT NULL,
		inputs TEXT NOT NULL,
		destination_type TEXT NOT NULL,
		destination_id TEXT NOT NULL,
		config TEXT,
		tags TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		attempt INTEGER NOT NULL DEFAULT 1,
		previous_job_id TEXT,
		now INTEGER NOT NULL DEFAULT 0,
		origin_type TEXT NOT NULL,
		origin_id TEXT NOT NULL,
		batch_id TEXT,
		request TEXT,
		saved_files TEXT,
		produced_metadata TEXT,
		created INTEGER NOT NULL,
		modified INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state_now_modified ON jobs(state, now, modified);
	CREATE INDEX IF NOT EXISTS idx_jobs_batch ON jobs(batch_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_previous ON jobs(previous_job_id)
		WHERE previous_job_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		doc TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_project ON rules(project_id);

	CREATE TABLE IF NOT EXISTS gears (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created INTEGER NOT NULL,
		doc TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_gears_name ON gears(name, created);

	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		modified INTEGER NOT NULL,
		doc TEXT NOT NULL
	);
	`

	if _, err := r.db.Exec(schema); err != nil {
		return err
	}

	for _, kind := range models.ContainerKinds {
		table := containerTable(kind)
		stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			parent_type TEXT,
			parent_id TEXT,
			modified INTEGER NOT NULL,
			doc TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_parent ON %[1]s(parent_type, parent_id);
		`, table)
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("create %s table: %w", table, err)
		}
	}

	return nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toNano(t time.Time) int64 {
	return t.UnixNano()
}

func fromNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// nullString converts an empty string to NULL
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func marshalColumn(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalColumn(col sql.NullString, v interface{}) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), v)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
