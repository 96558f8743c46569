// Package report merges the outcome of every JobRun in a pipeline run
// into one report and renders it for terminals, tools and CI dashboards.
package report

import (
	"time"

	"ciorch/artifacts"
	"ciorch/target"
	"ciorch/testplan"
)

// Job states as recorded in a report.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateSkipped   = "skipped"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

// Step outcomes.
const (
	StepPassed   = "passed"
	StepFailed   = "failed"
	StepTimedOut = "timed_out"
	StepSkipped  = "skipped"
)

// Step is one executed or skipped job body step.
type Step struct {
	Name       string        `json:"name"`
	ExitStatus int           `json:"exit_status"`
	Outcome    string        `json:"outcome"`
	Duration   time.Duration `json:"duration"`
	// Continued is set when a failing step was allowed to continue.
	Continued bool `json:"continued,omitempty"`
}

// Job is the aggregator's view of one JobRun.
type Job struct {
	Name      string
	Matrix    target.MatrixEntry
	State     string
	Reason    string
	Started   time.Time
	Finished  time.Time
	Log       string
	Steps     []Step
	Tests     []testplan.Result
	Artifacts []artifacts.Ref
}

// Run is the aggregator's view of a pipeline run.
type Run struct {
	ID       string
	Project  string
	Ref      string
	Commit   string
	Started  time.Time
	Finished time.Time
	Jobs     []Job
}

// Report is the merged outcome of a pipeline run.
type Report struct {
	RunID    string        `json:"run_id"`
	Project  string        `json:"project"`
	Ref      string        `json:"ref"`
	Commit   string        `json:"commit"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Duration time.Duration `json:"duration"`
	Passed   bool          `json:"passed"`
	Summary  Summary       `json:"summary"`
	Jobs     []JobReport   `json:"jobs"`
	Gaps     []Gap         `json:"gaps,omitempty"`
}

// Summary counts jobs and tests by outcome.
type Summary struct {
	Jobs         int `json:"jobs"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"`
	Incomplete   int `json:"incomplete"`
	Tests        int `json:"tests"`
	TestsPassed  int `json:"tests_passed"`
	TestsFailed  int `json:"tests_failed"`
	TestsErrored int `json:"tests_errored"`
}

// JobReport is one JobRun in the report, keyed by name and matrix entry.
type JobReport struct {
	Key       string             `json:"key"`
	Name      string             `json:"name"`
	Matrix    target.MatrixEntry `json:"matrix,omitzero"`
	State     string             `json:"state"`
	Reason    string             `json:"reason,omitempty"`
	Started   time.Time          `json:"started,omitzero"`
	Finished  time.Time          `json:"finished,omitzero"`
	Duration  time.Duration      `json:"duration"`
	Log       string             `json:"log,omitempty"`
	Steps     []Step             `json:"steps,omitempty"`
	Tests     []testplan.Result  `json:"tests,omitempty"`
	Artifacts []artifacts.Ref    `json:"artifacts,omitempty"`
}

// Gap records information the report could not include.
type Gap struct {
	Job    string `json:"job"`
	Reason string `json:"reason"`
}

// Key identifies a JobRun: the job name, with the matrix label in
// brackets when there is one.
func Key(name string, entry target.MatrixEntry) string {
	if entry.IsZero() {
		return name
	}
	return name + "[" + entry.Label() + "]"
}

// Aggregate merges run into a report. It never fails: JobRuns without a
// log, or that never reached a terminal state, are listed as gaps.
func Aggregate(run Run) Report {
	report := Report{
		RunID:    run.ID,
		Project:  run.Project,
		Ref:      run.Ref,
		Commit:   run.Commit,
		Started:  run.Started,
		Finished: run.Finished,
		Jobs:     make([]JobReport, 0, len(run.Jobs)),
	}
	if !run.Started.IsZero() && !run.Finished.IsZero() {
		report.Duration = run.Finished.Sub(run.Started)
	}

	for _, job := range run.Jobs {
		jobReport := JobReport{
			Key:       Key(job.Name, job.Matrix),
			Name:      job.Name,
			Matrix:    job.Matrix,
			State:     job.State,
			Reason:    job.Reason,
			Started:   job.Started,
			Finished:  job.Finished,
			Log:       job.Log,
			Steps:     job.Steps,
			Tests:     job.Tests,
			Artifacts: job.Artifacts,
		}
		if !job.Started.IsZero() && !job.Finished.IsZero() {
			jobReport.Duration = job.Finished.Sub(job.Started)
		}
		report.Jobs = append(report.Jobs, jobReport)

		report.Summary.Jobs++
		switch job.State {
		case StateSucceeded:
			report.Summary.Succeeded++
		case StateFailed:
			report.Summary.Failed++
		case StateSkipped:
			report.Summary.Skipped++
		default:
			report.Summary.Incomplete++
			report.Gaps = append(report.Gaps, Gap{Job: jobReport.Key, Reason: "did not reach a terminal state (" + stateOrUnknown(job.State) + ")"})
		}
		if (job.State == StateSucceeded || job.State == StateFailed) && job.Log == "" && len(job.Steps) == 0 && len(job.Tests) == 0 {
			report.Gaps = append(report.Gaps, Gap{Job: jobReport.Key, Reason: "no log captured"})
		}

		pass, fail, errored := testplan.Counts(job.Tests)
		report.Summary.Tests += len(job.Tests)
		report.Summary.TestsPassed += pass
		report.Summary.TestsFailed += fail
		report.Summary.TestsErrored += errored
	}

	report.Passed = report.Summary.Failed == 0 && report.Summary.Incomplete == 0
	return report
}

func stateOrUnknown(state string) string {
	if state == "" {
		return "unknown"
	}
	return state
}

// ByMatrix groups job reports by matrix label, in first-seen order. The
// empty label holds jobs without a matrix.
func (r Report) ByMatrix() (labels []string, jobs map[string][]JobReport) {
	jobs = make(map[string][]JobReport)
	for _, job := range r.Jobs {
		label := job.Matrix.Label()
		if _, ok := jobs[label]; !ok {
			labels = append(labels, label)
		}
		jobs[label] = append(jobs[label], job)
	}
	return labels, jobs
}

// Failures returns the jobs that failed, for diagnostic output.
func (r Report) Failures() []JobReport {
	var failed []JobReport
	for _, job := range r.Jobs {
		if job.State == StateFailed {
			failed = append(failed, job)
		}
	}
	return failed
}
