package storage

import (
	"database/sql"
	"fmt"
)

// JobRunStats is one recent run of a job, used for the per-job history
// of a project.
type JobRunStats struct {
	Job           string  `json:"job"`
	Matrix        string  `json:"matrix,omitempty"`
	PipelineRunID int64   `json:"pipeline_run_id"`
	Ref           string  `json:"ref"`
	State         string  `json:"state"`
	Duration      *string `json:"duration,omitempty"`
	StartedAt     string  `json:"started_at"`
	TestCount     int     `json:"test_count"`
	TestFailures  int     `json:"test_failures"`
}

// GetLatestJobStats returns up to limit recent runs of every (job, matrix)
// pair of a project.
func (s *Storage) GetLatestJobStats(project string, limit int) ([]JobRunStats, error) {
	// Simple query without window functions for better SQLite compatibility
	query := `
		SELECT
			j.job,
			j.matrix,
			p.id,
			p.ref,
			j.state,
			j.duration,
			p.started_at,
			COUNT(t.id) as test_count,
			COALESCE(SUM(CASE WHEN t.outcome != 'pass' THEN 1 ELSE 0 END), 0) as test_failures
		FROM job_runs j
		JOIN pipeline_runs p ON p.id = j.pipeline_run_id
		LEFT JOIN test_results t ON t.job_run_id = j.id
		WHERE p.project = ?
		GROUP BY j.id, j.job, j.matrix, p.id, p.ref, j.state, j.duration, p.started_at
		ORDER BY j.job, j.matrix, p.started_at DESC, p.id DESC
	`

	rows, err := s.db.Query(query, project)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest job runs: %w", err)
	}
	defer rows.Close()

	// Group by job and limit per job
	counts := make(map[string]int)
	stats := make([]JobRunStats, 0)

	for rows.Next() {
		var stat JobRunStats
		var duration sql.NullString

		err := rows.Scan(
			&stat.Job,
			&stat.Matrix,
			&stat.PipelineRunID,
			&stat.Ref,
			&stat.State,
			&duration,
			&stat.StartedAt,
			&stat.TestCount,
			&stat.TestFailures,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job stats: %w", err)
		}

		key := stat.Job + "[" + stat.Matrix + "]"
		if counts[key] >= limit {
			continue
		}
		counts[key]++

		if duration.Valid {
			durationStr := duration.String
			stat.Duration = &durationStr
		}

		stats = append(stats, stat)
	}

	return stats, rows.Err()
}
