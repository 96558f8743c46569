package cmd

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"ciorch/runner"
)

// RunOptions select what to run.
type RunOptions struct {
	// File is the pipeline definition, ciorch.yml by default.
	File string
	// Ref and Commit default to the checked-out branch and HEAD of the
	// pipeline's git repository.
	Ref    string
	Commit string
}

// Run executes one pipeline locally, streaming progress to the terminal.
func Run(ctx context.Context, env *Env, opts RunOptions) (*runner.PipelineRun, error) {
	if opts.File == "" {
		opts.File = runner.PipelineFile
	}
	pipeline, err := runner.LoadPipeline(opts.File)
	if err != nil {
		return nil, err
	}

	trigger := runner.Trigger{Ref: opts.Ref, Commit: opts.Commit}
	if trigger.Ref == "" {
		branch, err := git(ctx, pipeline.Dir, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil || branch == "HEAD" {
			return nil, fmt.Errorf("no --ref given and %s is not on a git branch", pipeline.Dir)
		}
		trigger.Ref = "refs/heads/" + branch
	}
	if trigger.Commit == "" {
		// Outside a repository the archive is simply named after the project.
		trigger.Commit, _ = git(ctx, pipeline.Dir, "rev-parse", "HEAD")
	}

	env.Engine.StreamToTerminal = true
	run, err := env.Engine.Run(ctx, pipeline, trigger)
	if err != nil {
		return nil, err
	}

	status := "passed"
	switch {
	case !run.Activated:
		status = "inactive"
	case !run.Report.Passed:
		status = "failed"
	}
	fmt.Printf("\n📊 Run ID: %s | Status: %s | Duration: %s\n", run.ID, status, run.Finished.Sub(run.Started).Round(time.Millisecond))
	if run.Activated {
		fmt.Printf("📄 Report: %s\n", runner.ReportPath(env.Engine.Dir(), run.ID))
	}
	return run, nil
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
