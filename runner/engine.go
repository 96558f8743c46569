package runner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"ciorch/artifacts"
	"ciorch/events"
	"ciorch/remote"
	"ciorch/report"
	"ciorch/runner/storage"
	"ciorch/target"
)

// reportProducer owns the pipeline-level report artifacts. No job may
// take this name.
const reportProducer = "report"

// Trigger identifies what a pipeline run is for.
type Trigger struct {
	// Ref is the activation reference, e.g. "refs/heads/ci-build-linux".
	Ref    string
	Commit string
}

// Engine runs pipelines. The zero value runs everything on bare targets
// with artifacts in a temporary directory.
type Engine struct {
	Provisioner target.Provisioner
	// ArtifactDir holds one directory of artifacts per pipeline run.
	ArtifactDir string
	// Mirror, when set, receives a copy of every artifact under the run id.
	Mirror  *artifacts.MinIOMirror
	Storage *storage.Storage
	Broker  *events.Broker
	Logger  *slog.Logger

	// MaxParallel bounds the JobRuns executing at once; zero means one per
	// JobRun.
	MaxParallel int
	Acquire     target.AcquireOptions
	// StepTimeout applies to steps that declare none.
	StepTimeout time.Duration

	// StreamToTerminal prints progress and the final report to stdout.
	StreamToTerminal bool
	// Getenv resolves secret names; nil means os.Getenv.
	Getenv func(string) string
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

// Run executes p for trig. Only an invalid job graph or a setup failure
// returns an error; job failures are reported in the PipelineRun.
func (e *Engine) Run(ctx context.Context, p *Pipeline, trig Trigger) (*PipelineRun, error) {
	graph, err := p.Graph()
	if err != nil {
		return nil, err
	}

	run := &PipelineRun{
		ID:        uuid.NewString(),
		Project:   p.Project,
		Ref:       trig.Ref,
		Commit:    trig.Commit,
		Started:   time.Now(),
		Activated: Activates(trig.Ref, p.Activation),
		bySpec:    make(map[string][]int),
	}
	logger := e.logger().With("run", run.ID, "project", p.Project, "ref", trig.Ref)

	if e.Storage != nil {
		record, err := e.Storage.CreatePipelineRun(run.ID, p.Project, trig.Ref, trig.Commit)
		if err != nil {
			return nil, err
		}
		run.recordID = record.ID
	}

	if !run.Activated {
		logger.Info("ref does not activate the pipeline")
		if e.StreamToTerminal {
			fmt.Printf("⏸️  %s does not activate %s\n", trig.Ref, p.Project)
		}
		run.Finished = time.Now()
		run.Report = report.Aggregate(run.snapshot())
		e.finishRecord(run, "inactive", logger)
		return run, nil
	}

	store, err := e.newStore(run.ID, logger)
	if err != nil {
		return nil, err
	}

	x := &execution{
		engine:   e,
		pipeline: p,
		graph:    graph,
		run:      run,
		store:    store,
		trigger:  trig,
		logger:   logger,
	}
	x.resolveSecrets()
	x.expand()

	e.Broker.Publish(ctx, events.Event{Type: events.RunStarted, RunID: run.ID, Project: p.Project, Detail: trig.Ref})
	logger.Info("pipeline started", "jobs", len(run.Runs))
	if e.StreamToTerminal {
		fmt.Printf("🚀 %s @ %s (%d job runs)\n", p.Project, trig.Ref, len(run.Runs))
	}

	x.gate(ctx)
	x.schedule(ctx)

	run.Finished = time.Now()
	run.Report = report.Aggregate(run.snapshot())
	x.publishReport(context.WithoutCancel(ctx))

	status := "passed"
	if !run.Report.Passed {
		status = "failed"
	}
	e.finishRecord(run, status, logger)
	e.Broker.Publish(context.WithoutCancel(ctx), events.Event{Type: events.RunFinished, RunID: run.ID, Project: p.Project, State: status})
	logger.Info("pipeline finished", "status", status, "duration", run.Finished.Sub(run.Started))

	if e.StreamToTerminal {
		fmt.Println()
		fmt.Print(report.RenderText(run.Report, report.DefaultStyles()))
		if run.Report.Passed {
			fmt.Println("\n🏁 All jobs finished successfully.")
		} else {
			fmt.Println("\n🏁 Pipeline failed.")
		}
	}
	return run, nil
}

// Dir returns the directory artifacts of every run are kept under.
func (e *Engine) Dir() string {
	if e.ArtifactDir == "" {
		return filepath.Join(os.TempDir(), "ciorch-artifacts")
	}
	return e.ArtifactDir
}

func (e *Engine) newStore(runID string, logger *slog.Logger) (*artifacts.FileStore, error) {
	var mirror artifacts.Mirror
	if e.Mirror != nil {
		mirror = e.Mirror.Scoped(runID)
	}
	return artifacts.NewFileStore(filepath.Join(e.Dir(), runID), mirror, logger)
}

func (e *Engine) finishRecord(run *PipelineRun, status string, logger *slog.Logger) {
	if e.Storage == nil {
		return
	}
	if err := e.Storage.FinishPipelineRun(run.recordID, status, run.Activated, run.Finished.Sub(run.Started)); err != nil {
		logger.Warn("failed to record pipeline result", "error", err)
	}
}

// execution is the state of one activated pipeline run.
type execution struct {
	engine   *Engine
	pipeline *Pipeline
	graph    *Graph
	run      *PipelineRun
	store    *artifacts.FileStore
	trigger  Trigger
	logger   *slog.Logger

	// secrets maps secret names to values found in the environment.
	secrets  map[string]string
	redactor *remote.Redactor
}

func (x *execution) resolveSecrets() {
	getenv := x.engine.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	names := append([]string{}, x.pipeline.Secrets...)
	for _, spec := range x.pipeline.Jobs {
		names = append(names, spec.Secrets...)
	}

	x.secrets = make(map[string]string)
	values := make([]string, 0, len(names))
	for _, name := range uniq(names) {
		value := getenv(name)
		if value == "" {
			x.logger.Warn("secret is not set", "secret", name)
			continue
		}
		x.secrets[name] = value
		values = append(values, value)
	}
	x.redactor = remote.NewRedactor(values...)
}

// expand builds the JobRun arena in topological order. A JobRun depends
// on every JobRun of each job it needs.
func (x *execution) expand() {
	run := x.run
	for _, name := range x.graph.Order() {
		spec, _ := x.graph.Job(name)
		for _, entry := range spec.Entries() {
			jr := &JobRun{
				Index: len(run.Runs),
				ID:    uuid.NewString(),
				Key:   report.Key(spec.Name, entry),
				Spec:  spec,
				Entry: entry,
				state: JobPending,
				done:  make(chan struct{}),
			}
			for _, need := range uniq(spec.Needs) {
				jr.deps = append(jr.deps, run.bySpec[need]...)
			}
			if x.engine.Storage != nil {
				record, err := x.engine.Storage.CreateJobRun(run.recordID, spec.Name, entry.Label())
				if err != nil {
					x.logger.Warn("failed to record job run", "job", jr.Key, "error", err)
				} else {
					jr.recordID = record.ID
				}
			}
			run.bySpec[spec.Name] = append(run.bySpec[spec.Name], jr.Index)
			run.Runs = append(run.Runs, jr)
		}
	}
}

// gate skips, before anything runs, every JobRun whose rule rejects the ref.
func (x *execution) gate(ctx context.Context) {
	for _, jr := range x.run.Runs {
		if ShouldRun(x.trigger.Ref, jr.Spec.Rule) {
			continue
		}
		x.finish(ctx, jr, JobSkipped, fmt.Sprintf("ref %s excluded by rule %s", x.trigger.Ref, jr.Spec.Rule))
		close(jr.done)
	}
}

// publishReport stores report.json and junit.xml under the report
// producer.
func (x *execution) publishReport(ctx context.Context) {
	var jsonReport, junit bytes.Buffer
	if err := report.WriteJSON(&jsonReport, x.run.Report); err != nil {
		x.logger.Error("failed to render report", "error", err)
		return
	}
	if err := report.WriteJUnit(&junit, x.run.Report); err != nil {
		x.logger.Error("failed to render JUnit report", "error", err)
		return
	}

	for name, content := range map[string]*bytes.Buffer{"report.json": &jsonReport, "junit.xml": &junit} {
		ref, err := x.store.Publish(ctx, reportProducer, name, content)
		if err != nil {
			x.logger.Error("failed to publish report", "artifact", name, "error", err)
			continue
		}
		x.recordArtifact(ctx, ref)
	}
}

func (x *execution) recordArtifact(ctx context.Context, ref artifacts.Ref) {
	if x.engine.Storage != nil {
		if err := x.engine.Storage.RecordArtifact(x.run.recordID, ref.Producer, ref.Name, ref.Digest, ref.Size); err != nil {
			x.logger.Warn("failed to record artifact", "artifact", ref.String(), "error", err)
		}
	}
	x.engine.Broker.Publish(ctx, events.Event{
		Type:    events.ArtifactPublished,
		RunID:   x.run.ID,
		Project: x.run.Project,
		Job:     ref.Producer,
		Detail:  ref.Name,
	})
}

// ReportPath returns where the JSON report of a run is stored.
func ReportPath(artifactDir, runID string) string {
	return filepath.Join(artifactDir, runID, reportProducer, "report.json")
}
