package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"ciorch/artifacts"
	"ciorch/events"
	"ciorch/remote"
	"ciorch/report"
	"ciorch/runner/storage"
	"ciorch/target"
	"ciorch/testplan"
)

// inputDir is where consumed artifacts are staged, relative to the
// target's work directory.
const inputDir = ".ciorch/in"

// publishTimeout bounds publishing outputs of a job whose context is gone.
const publishTimeout = 5 * time.Minute

// execute runs jr to a terminal state. Every failure is local to jr.
func (x *execution) execute(ctx context.Context, jr *JobRun) {
	x.start(ctx, jr)

	var err error
	if jr.Spec.Archive != nil {
		err = x.runArchive(ctx, jr)
	} else {
		opts := x.engine.Acquire
		opts.Logger = x.logger.With("job", jr.Key)
		ran := false
		err = target.Acquire(ctx, x.provisioner(), jr.Spec.Target, jr.Entry, opts, func(ctx context.Context, t *target.Target) error {
			ran = true
			return x.runBody(ctx, jr, t)
		})
		if err != nil && !ran && len(jr.Spec.TestPlans) > 0 {
			x.publishUnrunResults(ctx, jr, failureReason(err))
		}
	}

	if err != nil {
		x.finish(ctx, jr, JobFailed, failureReason(err))
		return
	}
	x.finish(ctx, jr, JobSucceeded, "")
}

// publishUnrunResults records one synthetic Error per test plan of a job
// that never got a target, and publishes them as its results bundle.
func (x *execution) publishUnrunResults(ctx context.Context, jr *JobRun, reason string) {
	for _, ref := range jr.Spec.TestPlans {
		jr.Tests = append(jr.Tests, testplan.Unrun(testplan.NameFromPath(ref), "plan not run: "+reason))
	}
	publishContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := x.publishResults(publishContext, jr); err != nil {
		jr.logf("%v", err)
	}
}

func (x *execution) provisioner() target.Provisioner {
	if x.engine.Provisioner == nil {
		return target.Registry{target.KindBare: &target.Bare{}}
	}
	return x.engine.Provisioner
}

// failureReason turns the error that failed a job into a one-line reason.
func failureReason(err error) string {
	switch {
	case errors.Is(err, target.ErrProvisionTimeout):
		return "provision timeout: " + err.Error()
	case errors.Is(err, target.ErrProvisionFailed):
		return "provision failed: " + err.Error()
	case errors.Is(err, context.Canceled):
		return "pipeline cancelled"
	}
	return err.Error()
}

// runBody executes the job body on a ready target: staging inputs, steps,
// test plans, then publishing outputs whatever happened before.
func (x *execution) runBody(ctx context.Context, jr *JobRun, t *target.Target) error {
	jr.TargetID = t.ID
	x.recordJob(jr)
	jr.logf("target %s (%s) ready at %s", t.ID, t.Kind, t.Workdir)

	ch := t.Channel
	env := x.env(jr, t)

	failure := x.stageInputs(ctx, jr, ch)
	if failure != nil {
		jr.logf("staging inputs failed: %v", failure)
	}

	if stepFailure := x.runSteps(ctx, jr, ch, env, failure != nil); failure == nil {
		failure = stepFailure
	}

	if failure == nil && len(jr.Spec.TestPlans) > 0 {
		failure = x.runTests(ctx, jr, t, env)
	}

	publishContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := x.publishOutputs(publishContext, jr, ch); err != nil {
		if failure == nil {
			failure = err
		} else {
			jr.logf("%v", err)
		}
	}
	if len(jr.Spec.TestPlans) > 0 {
		if err := x.publishResults(publishContext, jr); err != nil {
			jr.logf("%v", err)
		}
	}
	return failure
}

// env is the environment every command of jr sees.
func (x *execution) env(jr *JobRun, t *target.Target) map[string]string {
	env := make(map[string]string)
	for k, v := range x.pipeline.Env {
		env[k] = v
	}
	for k, v := range jr.Spec.Env {
		env[k] = Expand(v, x.run.Project, x.run.Commit, jr.Entry)
	}
	for _, name := range append(append([]string{}, x.pipeline.Secrets...), jr.Spec.Secrets...) {
		if value, ok := x.secrets[name]; ok {
			env[name] = value
		}
	}

	env["CI_JOB"] = jr.Spec.Name
	env["CI_OS"] = jr.Entry.OS
	env["CI_VERSION"] = jr.Entry.Version
	env["CI_REF"] = x.run.Ref
	env["CI_COMMIT"] = x.run.Commit
	env["CI_PROJECT"] = x.run.Project
	env["CI_WORKDIR"] = t.Workdir
	return env
}

// stageInputs uploads every consumed artifact into inputDir and unpacks
// archives into the work directory.
func (x *execution) stageInputs(ctx context.Context, jr *JobRun, ch remote.Channel) error {
	for _, name := range uniq(jr.Spec.Consumes) {
		producer, err := x.producerRun(jr, name)
		if err != nil {
			return err
		}
		actual := Expand(name, x.run.Project, x.run.Commit, producer.Entry)

		ref, err := x.store.Lookup(producer.Key, actual)
		if err != nil {
			return fmt.Errorf("input %s: %w", actual, err)
		}
		content, err := x.store.Fetch(ctx, ref)
		if err != nil {
			return fmt.Errorf("input %s: %w", actual, err)
		}
		dest := path.Join(inputDir, actual)
		err = ch.Upload(ctx, dest, content)
		content.Close()
		if err != nil {
			return fmt.Errorf("uploading %s: %w", ref, err)
		}
		jr.logf("staged %s (%s)", ref, ref.Digest)

		if strings.HasSuffix(actual, ".tar.gz") {
			result, err := ch.Run(ctx, remote.Command{Name: "extract " + actual, Script: artifacts.ExtractCommand(dest, ".")})
			if err != nil {
				return fmt.Errorf("extracting %s: %w", actual, err)
			}
			if !result.Succeeded() {
				jr.logf("%s", x.redactor.Redact(result.Combined()))
				return fmt.Errorf("extracting %s exited with status %d", actual, result.ExitStatus)
			}
		}
	}
	return nil
}

// producerRun resolves the JobRun that published name for jr: the run of
// the producing job with the same matrix entry, or its only run.
func (x *execution) producerRun(jr *JobRun, name string) (*JobRun, error) {
	producer, ok := x.graph.Producer(jr.Spec.Name, name)
	if !ok {
		return nil, fmt.Errorf("input %s: %w", name, artifacts.ErrNotFound)
	}
	candidates := x.run.bySpec[producer]
	if len(candidates) == 1 {
		return x.run.Runs[candidates[0]], nil
	}
	for _, i := range candidates {
		if x.run.Runs[i].Entry == jr.Entry {
			return x.run.Runs[i], nil
		}
	}
	return nil, fmt.Errorf("input %s: no run of %s for %s: %w", name, producer, jr.Entry.Label(), artifacts.ErrNotFound)
}

// runSteps runs the steps in order. After a fatal failure, or when
// skipAll is set, only steps marked always still run. The returned error
// is the first fatal failure.
func (x *execution) runSteps(ctx context.Context, jr *JobRun, ch remote.Channel, env map[string]string, skipAll bool) error {
	var failure error
	lost := false
	for _, step := range jr.Spec.Steps {
		if lost || ((skipAll || failure != nil) && !step.Always) {
			jr.Steps = append(jr.Steps, report.Step{Name: step.Name, Outcome: report.StepSkipped})
			continue
		}

		timeout := step.Timeout
		if timeout == 0 {
			timeout = x.engine.StepTimeout
		}

		jr.logf("$ %s", step.Name)
		result, err := ch.Run(ctx, remote.Command{Name: step.Name, Script: step.Run, Env: env, Timeout: timeout})
		output := x.redactor.Redact(result.Combined())
		jr.log.WriteString(output)
		x.stream(jr, output)

		recorded := report.Step{Name: step.Name, ExitStatus: result.ExitStatus, Duration: result.Duration, Outcome: report.StepPassed}
		var stepErr error
		switch {
		case errors.Is(err, remote.ErrCommandTimeout):
			recorded.Outcome = report.StepTimedOut
			stepErr = fmt.Errorf("step %q timed out", step.Name)
		case err != nil:
			recorded.Outcome = report.StepFailed
			stepErr = fmt.Errorf("step %q: %w", step.Name, err)
		case !result.Succeeded():
			recorded.Outcome = report.StepFailed
			stepErr = fmt.Errorf("step %q exited with status %d", step.Name, result.ExitStatus)
		}

		if stepErr != nil {
			jr.logf("%v", stepErr)
			if step.ContinueOnError && !errors.Is(err, remote.ErrUnreachable) {
				recorded.Continued = true
			} else if failure == nil {
				failure = stepErr
			}
		}
		jr.Steps = append(jr.Steps, recorded)

		// Once the transport is gone no later command can run.
		if errors.Is(err, remote.ErrUnreachable) {
			lost = true
			if failure == nil {
				failure = stepErr
			}
		}
	}
	return failure
}

// runTests loads the job's test plans and runs those the target can
// serve. Plans needing a capability the target lacks are logged and left
// out.
func (x *execution) runTests(ctx context.Context, jr *JobRun, t *target.Target, env map[string]string) error {
	plans, err := testplan.LoadAll(x.pipeline.PlanDir(), jr.Spec.TestPlans)
	if err != nil {
		jr.logf("loading test plans: %v", err)
	}

	runnable, unsupported := testplan.Filter(plans, t.HasCapability)
	for _, plan := range unsupported {
		jr.logf("test plan %s not run: target %s lacks one of %s", plan.Name, t.ID, strings.Join(plan.Requires, ", "))
	}

	runner := testplan.Runner{
		Env:      env,
		Redactor: x.redactor,
		Logger:   x.logger.With("job", jr.Key),
		OnResult: func(r testplan.Result) {
			jr.logf("%s %s/%s", r.Outcome, r.Plan, r.Case)
			if r.Outcome != testplan.Pass {
				jr.log.WriteString(r.Log)
			}
			if x.engine.StreamToTerminal {
				fmt.Printf("   [%s] %s %s/%s\n", jr.Key, r.Outcome, r.Plan, r.Case)
			}
		},
	}
	jr.Tests = runner.Execute(ctx, t.Channel, runnable)

	if testplan.Failed(jr.Tests) {
		_, failed, errored := testplan.Counts(jr.Tests)
		return fmt.Errorf("%d test failure(s), %d error(s)", failed, errored)
	}
	return nil
}

// publishOutputs downloads every declared output and publishes it under
// its base name.
func (x *execution) publishOutputs(ctx context.Context, jr *JobRun, ch remote.Channel) error {
	var errs []error
	for _, output := range jr.Spec.Outputs {
		source := Expand(output, x.run.Project, x.run.Commit, jr.Entry)
		name := path.Base(source)
		if err := x.publishOutput(ctx, jr, ch, source, name); err != nil {
			errs = append(errs, fmt.Errorf("output %s: %w", output, err))
		}
	}
	return errors.Join(errs...)
}

func (x *execution) publishOutput(ctx context.Context, jr *JobRun, ch remote.Channel, source, name string) error {
	staging, err := os.CreateTemp("", "ciorch-output-*")
	if err != nil {
		return err
	}
	defer os.Remove(staging.Name())
	defer staging.Close()

	if err := ch.Download(ctx, source, staging); err != nil {
		return err
	}
	if _, err := staging.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return x.publish(ctx, jr, name, staging)
}

// publishResults stores the test results of jr as
// results[-<os>-<version>].json.
func (x *execution) publishResults(ctx context.Context, jr *JobRun) error {
	name := "results.json"
	if label := jr.Entry.Label(); label != "" {
		name = "results-" + label + ".json"
	}

	bundle := struct {
		Job     string             `json:"job"`
		Matrix  target.MatrixEntry `json:"matrix"`
		Results []testplan.Result  `json:"results"`
	}{Job: jr.Spec.Name, Matrix: jr.Entry, Results: jr.Tests}
	if bundle.Results == nil {
		bundle.Results = []testplan.Result{}
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return err
	}
	return x.publish(ctx, jr, name, strings.NewReader(string(data)))
}

func (x *execution) publish(ctx context.Context, jr *JobRun, name string, r io.Reader) error {
	ref, err := x.store.Publish(ctx, jr.Key, name, r)
	if err != nil {
		return err
	}
	jr.Artifacts = append(jr.Artifacts, ref)
	jr.logf("published %s (%d bytes, %s)", ref, ref.Size, ref.Digest)
	x.recordArtifact(ctx, ref)
	return nil
}

// runArchive packs the source tree into the run's canonical archive on
// the orchestrator host.
func (x *execution) runArchive(ctx context.Context, jr *JobRun) error {
	root := filepath.Join(x.pipeline.Dir, jr.Spec.Archive.Source)
	excludes := append(append([]string{}, artifacts.DefaultExcludes...), jr.Spec.Archive.Exclude...)
	prefix := artifacts.ArchivePrefix(x.run.Project, x.run.Commit)

	reader, writer := io.Pipe()
	go func() {
		writer.CloseWithError(artifacts.WriteSourceArchive(writer, root, prefix, excludes))
	}()
	err := x.publish(ctx, jr, artifacts.ArchiveName(x.run.Project, x.run.Commit), reader)
	reader.Close()
	if err != nil {
		return fmt.Errorf("archiving %s: %w", root, err)
	}
	return nil
}

// start moves jr to Running.
func (x *execution) start(ctx context.Context, jr *JobRun) {
	jr.Started = time.Now()
	jr.setState(JobRunning)
	x.recordJob(jr)
	x.emit(ctx, jr)
	x.logger.Info("job started", "job", jr.Key)
	if x.engine.StreamToTerminal {
		fmt.Println("→", jr.Key)
	}
}

// finish moves jr to a terminal state and records it.
func (x *execution) finish(ctx context.Context, jr *JobRun, state JobState, reason string) {
	jr.Reason = reason
	jr.Finished = time.Now()
	if reason != "" {
		jr.logf("%s: %s", state, reason)
	}
	jr.setState(state)
	x.recordJob(jr)
	x.recordTests(jr)
	x.emit(context.WithoutCancel(ctx), jr)

	switch state {
	case JobSucceeded:
		x.logger.Info("job succeeded", "job", jr.Key, "duration", jr.Finished.Sub(jr.Started))
		if x.engine.StreamToTerminal {
			fmt.Println("✅ Done:", jr.Key)
		}
	case JobFailed:
		x.logger.Warn("job failed", "job", jr.Key, "reason", reason)
		if x.engine.StreamToTerminal {
			fmt.Printf("❌ %s failed: %s\n", jr.Key, reason)
		}
	case JobSkipped:
		x.logger.Info("job skipped", "job", jr.Key, "reason", reason)
		if x.engine.StreamToTerminal {
			fmt.Printf("⏭️  Skipped %s: %s\n", jr.Key, reason)
		}
	}
}

func (x *execution) emit(ctx context.Context, jr *JobRun) {
	x.engine.Broker.Publish(ctx, events.Event{
		Type:    events.JobState,
		RunID:   x.run.ID,
		Project: x.run.Project,
		Job:     jr.Spec.Name,
		Matrix:  jr.Entry.Label(),
		State:   string(jr.State()),
		Reason:  jr.Reason,
	})
}

func (x *execution) recordJob(jr *JobRun) {
	if x.engine.Storage == nil || jr.recordID == 0 {
		return
	}
	err := x.engine.Storage.UpdateJobRun(jr.recordID, storage.JobRunUpdate{
		State:    string(jr.State()),
		Reason:   jr.Reason,
		Target:   jr.TargetID,
		Log:      jr.Log(),
		Started:  jr.Started,
		Finished: jr.Finished,
	})
	if err != nil {
		x.logger.Warn("failed to record job state", "job", jr.Key, "error", err)
	}
}

func (x *execution) recordTests(jr *JobRun) {
	if x.engine.Storage == nil || jr.recordID == 0 || len(jr.Tests) == 0 {
		return
	}
	results := make([]storage.TestResult, len(jr.Tests))
	for i, r := range jr.Tests {
		results[i] = storage.TestResult{
			Plan:       r.Plan,
			Case:       r.Case,
			Outcome:    string(r.Outcome),
			ExitStatus: r.ExitStatus,
			Synthetic:  r.Synthetic,
			Log:        r.Log,
			Duration:   r.Duration.String(),
		}
	}
	if err := x.engine.Storage.SaveTestResults(jr.recordID, results); err != nil {
		x.logger.Warn("failed to record test results", "job", jr.Key, "error", err)
	}
}

// stream prints command output prefixed with the JobRun key, so parallel
// jobs stay readable.
func (x *execution) stream(jr *JobRun, output string) {
	if !x.engine.StreamToTerminal || output == "" {
		return
	}
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fmt.Printf("   [%s] %s\n", jr.Key, scanner.Text())
	}
}
