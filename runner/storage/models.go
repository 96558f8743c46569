package storage

import "time"

// PipelineRun is one recorded pipeline invocation.
type PipelineRun struct {
	ID         int64      `json:"id"`
	UUID       string     `json:"uuid"`
	Project    string     `json:"project"`
	Ref        string     `json:"ref"`
	Commit     string     `json:"commit"`
	Status     string     `json:"status"` // "running", "passed", "failed", "inactive"
	Activated  bool       `json:"activated"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Duration   *string    `json:"duration,omitempty"`
}

// JobRun is one job instantiated for one matrix entry.
type JobRun struct {
	ID            int64      `json:"id"`
	PipelineRunID int64      `json:"pipeline_run_id"`
	Job           string     `json:"job"`
	Matrix        string     `json:"matrix,omitempty"`
	State         string     `json:"state"`
	Reason        string     `json:"reason,omitempty"`
	Target        string     `json:"target,omitempty"`
	Log           string     `json:"log,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Duration      *string    `json:"duration,omitempty"`
}

// JobRunUpdate carries the mutable columns of a job run. Zero times leave
// the stored value untouched.
type JobRunUpdate struct {
	State    string
	Reason   string
	Target   string
	Log      string
	Started  time.Time
	Finished time.Time
}

// TestResult is the outcome of one test case.
type TestResult struct {
	ID         int64  `json:"id"`
	JobRunID   int64  `json:"job_run_id"`
	Plan       string `json:"plan"`
	Case       string `json:"case"`
	Outcome    string `json:"outcome"`
	ExitStatus int    `json:"exit_status"`
	Synthetic  bool   `json:"synthetic,omitempty"`
	Log        string `json:"log,omitempty"`
	Duration   string `json:"duration,omitempty"`
}

// Artifact is a published artifact of a pipeline run.
type Artifact struct {
	ID            int64     `json:"id"`
	PipelineRunID int64     `json:"pipeline_run_id"`
	Producer      string    `json:"producer"`
	Name          string    `json:"name"`
	Digest        string    `json:"digest"`
	Size          int64     `json:"size"`
	CreatedAt     time.Time `json:"created_at"`
}
