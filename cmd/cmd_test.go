package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ciorch/config"
	"ciorch/runner"
	"ciorch/target"
)

const pipeline = `
project: widget
schedules:
  - {every: 1h}
jobs:
  - name: source
    archive: {}
  - name: build
    needs: [source]
    consumes: ["${archive}"]
    steps:
      - {run: ls widget.txt}
  - name: smoke
    needs: [build]
    gate: ci-smoke
    target: {kind: container, image: "smoke-${os}"}
    matrix: [{os: alpine}]
    steps:
      - {run: echo smoke}
`

func writePipeline(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "widget.txt"), []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, runner.PipelineFile)
	if err := os.WriteFile(path, []byte(pipeline), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testEnv(t *testing.T) *Env {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	env, err := Setup(context.Background(), cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	t.Cleanup(env.Close)
	return env
}

func TestValidate(t *testing.T) {
	var out bytes.Buffer
	if err := Validate(&out, writePipeline(t)); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	for _, want := range []string{
		"widget: 3 job(s)",
		"Wave 1:\n  • source (source archive)",
		"Wave 3:\n  • smoke (container smoke-${os}; matrix alpine; needs build; gate",
		"every 1h on refs/heads/main",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output misses %q:\n%s", want, out.String())
		}
	}
}

func TestValidateRejectsBrokenPipeline(t *testing.T) {
	path := filepath.Join(t.TempDir(), runner.PipelineFile)
	if err := os.WriteFile(path, []byte("jobs:\n  - name: a\n    needs: [b]\n    steps: [{run: x}]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := Validate(&bytes.Buffer{}, path); err == nil {
		t.Error("Validate() accepted a missing dependency")
	}
}

func TestProvisionersCoverEveryKind(t *testing.T) {
	registry := Provisioners(config.Default(), slog.New(slog.DiscardHandler))
	for _, kind := range []target.Kind{target.KindBare, target.KindContainer, target.KindVM} {
		if registry[kind] == nil {
			t.Errorf("no provisioner for %s", kind)
		}
	}
}

func TestRunOnBareTarget(t *testing.T) {
	env := testEnv(t)

	run, err := Run(context.Background(), env, RunOptions{File: writePipeline(t), Ref: "refs/heads/ci-only-docs", Commit: "0123456789"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for key, want := range map[string]runner.JobState{
		"source":        runner.JobSucceeded,
		"build":         runner.JobSucceeded,
		"smoke[alpine]": runner.JobSkipped,
	} {
		jr, ok := run.Lookup(key)
		if !ok || jr.State() != want {
			t.Errorf("%s = %v, want %s", key, jr, want)
		}
	}
	if !run.Report.Passed {
		t.Error("run did not pass")
	}

	runs, err := env.Store.GetPipelineRuns("widget", 10)
	if err != nil || len(runs) != 1 || runs[0].Status != "passed" {
		t.Errorf("stored runs = %v, %v", runs, err)
	}
	if _, err := os.Stat(runner.ReportPath(env.Engine.Dir(), run.ID)); err != nil {
		t.Errorf("report missing: %v", err)
	}
}
