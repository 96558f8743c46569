// Package storage keeps the run history of pipelines in SQLite.
package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Storage handles database operations
type Storage struct {
	db *sql.DB
}

// NewStorage opens the database at dbPath and creates the schema.
func NewStorage(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// JobRuns finish concurrently; one writer connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	storage := &Storage{db: db}
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// initSchema creates the database tables
func (s *Storage) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			project TEXT NOT NULL,
			ref TEXT NOT NULL,
			commit_sha TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			activated INTEGER NOT NULL DEFAULT 1,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			duration TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS job_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pipeline_run_id INTEGER NOT NULL,
			job TEXT NOT NULL,
			matrix TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			target TEXT NOT NULL DEFAULT '',
			log TEXT,
			started_at DATETIME,
			finished_at DATETIME,
			duration TEXT,
			FOREIGN KEY(pipeline_run_id) REFERENCES pipeline_runs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS test_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_run_id INTEGER NOT NULL,
			plan TEXT NOT NULL,
			case_name TEXT NOT NULL,
			outcome TEXT NOT NULL,
			exit_status INTEGER NOT NULL DEFAULT 0,
			synthetic INTEGER NOT NULL DEFAULT 0,
			log TEXT,
			duration TEXT,
			FOREIGN KEY(job_run_id) REFERENCES job_runs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pipeline_run_id INTEGER NOT NULL,
			producer TEXT NOT NULL,
			name TEXT NOT NULL,
			digest TEXT NOT NULL,
			size INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			UNIQUE(pipeline_run_id, producer, name),
			FOREIGN KEY(pipeline_run_id) REFERENCES pipeline_runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started_at ON pipeline_runs(started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_project ON pipeline_runs(project)`,
		`CREATE INDEX IF NOT EXISTS idx_job_runs_pipeline_run_id ON job_runs(pipeline_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_test_results_job_run_id ON test_results(job_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_pipeline_run_id ON artifacts(pipeline_run_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}
