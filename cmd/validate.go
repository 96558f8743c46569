package cmd

import (
	"fmt"
	"io"
	"strings"

	"ciorch/runner"
)

// Validate loads a pipeline and prints its jobs wave by wave: every job of
// a wave can run in parallel once the waves before it are done.
func Validate(w io.Writer, path string) error {
	if path == "" {
		path = runner.PipelineFile
	}
	pipeline, err := runner.LoadPipeline(path)
	if err != nil {
		return err
	}
	graph, err := pipeline.Graph()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "✅ %s: %d job(s)\n", pipeline.Project, len(pipeline.Jobs))
	for i, wave := range graph.Waves() {
		fmt.Fprintf(w, "\nWave %d:\n", i+1)
		for _, name := range wave {
			job, _ := graph.Job(name)
			fmt.Fprintf(w, "  • %s%s\n", name, describe(job))
		}
	}
	if len(pipeline.Schedules) > 0 {
		fmt.Fprintln(w, "\nSchedules:")
		for _, s := range pipeline.Schedules {
			when := "at " + s.At
			if s.Every != "" {
				when = "every " + s.Every
			}
			ref := s.Ref
			if ref == "" {
				ref = "refs/heads/main"
			}
			fmt.Fprintf(w, "  • %s on %s\n", when, ref)
		}
	}
	return nil
}

func describe(job *runner.JobSpec) string {
	var parts []string
	switch {
	case job.Archive != nil:
		parts = append(parts, "source archive")
	default:
		target := string(job.Target.Kind)
		if job.Target.Image != "" {
			target += " " + job.Target.Image
		}
		parts = append(parts, target)
	}
	if len(job.Matrix) > 0 {
		labels := make([]string, len(job.Matrix))
		for i, entry := range job.Matrix {
			labels[i] = entry.Label()
		}
		parts = append(parts, "matrix "+strings.Join(labels, ", "))
	}
	if len(job.Needs) > 0 {
		parts = append(parts, "needs "+strings.Join(job.Needs, ", "))
	}
	if job.Gate != nil {
		parts = append(parts, "gate "+job.Rule.String())
	}
	if job.Always {
		parts = append(parts, "always")
	}
	return " (" + strings.Join(parts, "; ") + ")"
}
