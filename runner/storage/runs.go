package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

const pipelineRunColumns = "id, uuid, project, ref, commit_sha, status, activated, started_at, finished_at, duration"

// CreatePipelineRun creates a new pipeline run record in the running state.
func (s *Storage) CreatePipelineRun(uuid, project, ref, commit string) (*PipelineRun, error) {
	now := time.Now()
	result, err := s.db.Exec(
		"INSERT INTO pipeline_runs (uuid, project, ref, commit_sha, status, started_at) VALUES (?, ?, ?, ?, ?, ?)",
		uuid, project, ref, commit, "running", now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline run ID: %w", err)
	}

	return &PipelineRun{
		ID:        id,
		UUID:      uuid,
		Project:   project,
		Ref:       ref,
		Commit:    commit,
		Status:    "running",
		Activated: true,
		StartedAt: now,
	}, nil
}

// FinishPipelineRun stores the final status of a pipeline run.
func (s *Storage) FinishPipelineRun(id int64, status string, activated bool, duration time.Duration) error {
	now := time.Now()
	_, err := s.db.Exec(
		"UPDATE pipeline_runs SET status = ?, activated = ?, finished_at = ?, duration = ? WHERE id = ?",
		status, activated, now, duration.String(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish pipeline run: %w", err)
	}
	return nil
}

// GetPipelineRuns retrieves the most recent pipeline runs, newest first.
// An empty project matches every project.
func (s *Storage) GetPipelineRuns(project string, limit int) ([]*PipelineRun, error) {
	query := "SELECT " + pipelineRunColumns + " FROM pipeline_runs WHERE (? = '' OR project = ?) ORDER BY started_at DESC, id DESC LIMIT ?"
	rows, err := s.db.Query(query, project, project, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipeline runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*PipelineRun, 0)
	for rows.Next() {
		r, err := scanPipelineRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// GetPipelineRun retrieves a single pipeline run by ID
func (s *Storage) GetPipelineRun(id int64) (*PipelineRun, error) {
	row := s.db.QueryRow("SELECT "+pipelineRunColumns+" FROM pipeline_runs WHERE id = ?", id)
	r, err := scanPipelineRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pipeline run %d: %w", id, ErrNotFound)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPipelineRun(row scanner) (*PipelineRun, error) {
	var r PipelineRun
	var finishedAt sql.NullTime
	var duration sql.NullString

	err := row.Scan(&r.ID, &r.UUID, &r.Project, &r.Ref, &r.Commit, &r.Status, &r.Activated, &r.StartedAt, &finishedAt, &duration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pipeline run: %w", err)
	}

	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	if duration.Valid {
		durationStr := duration.String
		r.Duration = &durationStr
	}
	return &r, nil
}
