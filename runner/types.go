package runner

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"ciorch/artifacts"
	"ciorch/report"
	"ciorch/target"
	"ciorch/testplan"
)

// JobState is the lifecycle state of a JobRun.
type JobState string

const (
	JobPending   JobState = "pending"
	JobSkipped   JobState = "skipped"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Terminal reports whether no further transition can happen.
func (s JobState) Terminal() bool {
	return s == JobSkipped || s == JobSucceeded || s == JobFailed
}

// StepSpec is one command of a job body.
type StepSpec struct {
	Name    string        `yaml:"name"`
	Run     string        `yaml:"run"`
	Timeout time.Duration `yaml:"timeout"`
	// ContinueOnError records a failure of this step without failing
	// the job or stopping the steps after it.
	ContinueOnError bool `yaml:"continue_on_error"`
	// Always runs the step even after an earlier step failed, e.g. to
	// dump build logs.
	Always bool `yaml:"always"`
}

// ArchiveSpec configures the built-in source archive body.
type ArchiveSpec struct {
	// Source is the tree to pack, relative to the pipeline file.
	Source  string   `yaml:"source"`
	Exclude []string `yaml:"exclude"`
}

// GateSpec is the job-level "gate:" key: either a bare specific marker
// or a {marker, require} mapping.
type GateSpec struct {
	Marker  string `yaml:"marker"`
	Require string `yaml:"require"`
}

// JobSpec is the static declaration of a job.
type JobSpec struct {
	Name  string    `yaml:"name"`
	Needs []string  `yaml:"needs"`
	Gate  *GateSpec `yaml:"gate"`
	// Always runs the job once its dependencies are terminal, whether or
	// not they succeeded.
	Always bool `yaml:"always"`

	Target target.Spec          `yaml:"target"`
	Matrix []target.MatrixEntry `yaml:"matrix"`

	// Consumes names artifacts produced by jobs this one depends on.
	Consumes []string `yaml:"consumes"`
	// Outputs are paths on the target, relative to the work directory,
	// published under their base name after the body runs.
	Outputs []string `yaml:"outputs"`

	Steps     []StepSpec        `yaml:"steps"`
	TestPlans []string          `yaml:"test_plans"`
	Archive   *ArchiveSpec      `yaml:"archive"`
	Secrets   []string          `yaml:"secrets"`
	Env       map[string]string `yaml:"env"`

	// Rule is the resolved gating rule.
	Rule GatingRule `yaml:"-"`
}

// Entries returns the matrix entries the job runs for. A job without a
// matrix runs once, for the zero entry.
func (j *JobSpec) Entries() []target.MatrixEntry {
	if len(j.Matrix) == 0 {
		return []target.MatrixEntry{{}}
	}
	return j.Matrix
}

// Schedule triggers a run of Ref either every interval or once a day at
// a wall-clock time ("HH:MM").
type Schedule struct {
	Every string `yaml:"every" json:"every,omitempty"`
	At    string `yaml:"at" json:"at,omitempty"`
	Ref   string `yaml:"ref" json:"ref"`
}

// Pipeline is a parsed ciorch.yml.
type Pipeline struct {
	Project    string            `yaml:"project"`
	Marker     string            `yaml:"marker"`
	Activation Activation        `yaml:"activation"`
	PlanRoot   string            `yaml:"plan_root"`
	Secrets    []string          `yaml:"secrets"`
	Env        map[string]string `yaml:"env"`
	Jobs       []JobSpec         `yaml:"jobs"`
	// Schedules start runs periodically while the server is up.
	Schedules []Schedule `yaml:"schedules"`

	// Path is the file the pipeline was loaded from; Dir its directory,
	// which is the root of the source tree.
	Path string `yaml:"-"`
	Dir  string `yaml:"-"`
}

// JobRun is one instantiation of a JobSpec for one matrix entry. Its
// fields are written only by the goroutine running it; other goroutines
// read them after Done is closed.
type JobRun struct {
	Index int
	ID    string
	Key   string
	Spec  *JobSpec
	Entry target.MatrixEntry

	// deps index the arena of the owning PipelineRun.
	deps []int
	done chan struct{}
	// recordID is the run-history row, zero without storage.
	recordID int64

	mu    sync.Mutex
	state JobState

	Reason    string
	Started   time.Time
	Finished  time.Time
	TargetID  string
	Steps     []report.Step
	Tests     []testplan.Result
	Artifacts []artifacts.Ref
	log       strings.Builder
}

// State returns the current state.
func (jr *JobRun) State() JobState {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	return jr.state
}

func (jr *JobRun) setState(state JobState) {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	jr.state = state
}

// Done is closed once the JobRun is terminal.
func (jr *JobRun) Done() <-chan struct{} {
	return jr.done
}

// Log returns the captured log.
func (jr *JobRun) Log() string {
	return jr.log.String()
}

func (jr *JobRun) logf(format string, args ...any) {
	jr.log.WriteString(strings.TrimRight(fmt.Sprintf(format, args...), "\n") + "\n")
}

// PipelineRun is one invocation of a pipeline.
type PipelineRun struct {
	ID       string
	Project  string
	Ref      string
	Commit   string
	Started  time.Time
	Finished time.Time
	// Activated is false when the ref matched no activation pattern and
	// nothing ran.
	Activated bool
	// Runs is the arena of JobRuns in topological order.
	Runs   []*JobRun
	Report report.Report

	recordID int64
	bySpec   map[string][]int
}

// Passed reports whether every JobRun succeeded or was skipped by its
// gate or a failed dependency, with no failure anywhere.
func (p *PipelineRun) Passed() bool {
	for _, jr := range p.Runs {
		if jr.State() != JobSucceeded && jr.State() != JobSkipped {
			return false
		}
	}
	return true
}

// Lookup returns the JobRun with the given key.
func (p *PipelineRun) Lookup(key string) (*JobRun, bool) {
	for _, jr := range p.Runs {
		if jr.Key == key {
			return jr, true
		}
	}
	return nil, false
}

func (p *PipelineRun) snapshot() report.Run {
	run := report.Run{
		ID:       p.ID,
		Project:  p.Project,
		Ref:      p.Ref,
		Commit:   p.Commit,
		Started:  p.Started,
		Finished: p.Finished,
		Jobs:     make([]report.Job, 0, len(p.Runs)),
	}
	for _, jr := range p.Runs {
		run.Jobs = append(run.Jobs, report.Job{
			Name:      jr.Spec.Name,
			Matrix:    jr.Entry,
			State:     string(jr.State()),
			Reason:    jr.Reason,
			Started:   jr.Started,
			Finished:  jr.Finished,
			Log:       jr.Log(),
			Steps:     jr.Steps,
			Tests:     jr.Tests,
			Artifacts: jr.Artifacts,
		})
	}
	return run
}
