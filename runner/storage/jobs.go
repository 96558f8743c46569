package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateJobRun creates a pending job run record.
func (s *Storage) CreateJobRun(pipelineRunID int64, job, matrix string) (*JobRun, error) {
	result, err := s.db.Exec(
		"INSERT INTO job_runs (pipeline_run_id, job, matrix, state) VALUES (?, ?, ?, ?)",
		pipelineRunID, job, matrix, "pending",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get job run ID: %w", err)
	}

	return &JobRun{
		ID:            id,
		PipelineRunID: pipelineRunID,
		Job:           job,
		Matrix:        matrix,
		State:         "pending",
	}, nil
}

// UpdateJobRun stores a state transition of a job run.
func (s *Storage) UpdateJobRun(id int64, u JobRunUpdate) error {
	var started, finished, duration any
	if !u.Started.IsZero() {
		started = u.Started
	}
	if !u.Finished.IsZero() {
		finished = u.Finished
		if !u.Started.IsZero() {
			duration = u.Finished.Sub(u.Started).String()
		}
	}

	_, err := s.db.Exec(
		`UPDATE job_runs SET state = ?, reason = ?, target = ?, log = ?,
			started_at = COALESCE(?, started_at),
			finished_at = COALESCE(?, finished_at),
			duration = COALESCE(?, duration)
		WHERE id = ?`,
		u.State, u.Reason, u.Target, u.Log, started, finished, duration, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update job run: %w", err)
	}
	return nil
}

// GetJobRuns retrieves all job runs of a pipeline run in creation order.
func (s *Storage) GetJobRuns(pipelineRunID int64) ([]*JobRun, error) {
	rows, err := s.db.Query(
		`SELECT id, pipeline_run_id, job, matrix, state, reason, target, log, started_at, finished_at, duration
		FROM job_runs WHERE pipeline_run_id = ? ORDER BY id ASC`,
		pipelineRunID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*JobRun, 0)
	for rows.Next() {
		var job JobRun
		var log sql.NullString
		var startedAt, finishedAt sql.NullTime
		var duration sql.NullString

		err := rows.Scan(&job.ID, &job.PipelineRunID, &job.Job, &job.Matrix, &job.State, &job.Reason, &job.Target, &log, &startedAt, &finishedAt, &duration)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}

		if log.Valid {
			job.Log = log.String
		}
		if startedAt.Valid {
			job.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			job.FinishedAt = &finishedAt.Time
		}
		if duration.Valid {
			durationStr := duration.String
			job.Duration = &durationStr
		}

		jobs = append(jobs, &job)
	}

	return jobs, rows.Err()
}

// SaveTestResults stores the results of a job run in one transaction.
func (s *Storage) SaveTestResults(jobRunID int64, results []TestResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO test_results (job_run_id, plan, case_name, outcome, exit_status, synthetic, log, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("failed to prepare test result insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err := stmt.Exec(jobRunID, r.Plan, r.Case, r.Outcome, r.ExitStatus, r.Synthetic, r.Log, r.Duration); err != nil {
			return fmt.Errorf("failed to save test result %s/%s: %w", r.Plan, r.Case, err)
		}
	}
	return tx.Commit()
}

// GetTestResults retrieves the test results of a job run.
func (s *Storage) GetTestResults(jobRunID int64) ([]*TestResult, error) {
	rows, err := s.db.Query(
		`SELECT id, job_run_id, plan, case_name, outcome, exit_status, synthetic, log, duration
		FROM test_results WHERE job_run_id = ? ORDER BY id ASC`,
		jobRunID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query test results: %w", err)
	}
	defer rows.Close()

	results := make([]*TestResult, 0)
	for rows.Next() {
		var r TestResult
		var log, duration sql.NullString
		if err := rows.Scan(&r.ID, &r.JobRunID, &r.Plan, &r.Case, &r.Outcome, &r.ExitStatus, &r.Synthetic, &log, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan test result: %w", err)
		}
		r.Log = log.String
		r.Duration = duration.String
		results = append(results, &r)
	}

	return results, rows.Err()
}

// RecordArtifact stores a published artifact of a pipeline run.
func (s *Storage) RecordArtifact(pipelineRunID int64, producer, name, digest string, size int64) error {
	_, err := s.db.Exec(
		"INSERT INTO artifacts (pipeline_run_id, producer, name, digest, size, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		pipelineRunID, producer, name, digest, size, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record artifact: %w", err)
	}
	return nil
}

// GetArtifacts retrieves the artifacts of a pipeline run.
func (s *Storage) GetArtifacts(pipelineRunID int64) ([]*Artifact, error) {
	rows, err := s.db.Query(
		"SELECT id, pipeline_run_id, producer, name, digest, size, created_at FROM artifacts WHERE pipeline_run_id = ? ORDER BY id ASC",
		pipelineRunID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	list := make([]*Artifact, 0)
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.PipelineRunID, &a.Producer, &a.Name, &a.Digest, &a.Size, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		list = append(list, &a)
	}

	return list, rows.Err()
}
