package runner

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"ciorch/artifacts"
	"ciorch/target"
)

// PipelineFile is the pipeline definition looked up in a project directory.
const PipelineFile = "ciorch.yml"

// ArchiveVariable expands to the source archive name of the run.
const ArchiveVariable = "${archive}"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// UnmarshalYAML accepts a bare specific marker as well as the mapping form.
func (g *GateSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		g.Require = node.Value
		return nil
	}
	type plain GateSpec
	return node.Decode((*plain)(g))
}

// LoadPipeline reads and validates a pipeline definition.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := ParsePipeline(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	p.Path = absolute
	p.Dir = filepath.Dir(absolute)
	if p.Project == "" {
		p.Project = filepath.Base(p.Dir)
	}
	return p, nil
}

// ParsePipeline decodes and validates a pipeline definition. Unknown keys
// are rejected.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var p Pipeline
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}
	if err := p.normalize(); err != nil {
		return nil, err
	}
	if _, err := NewGraph(p.Jobs); err != nil {
		return nil, err
	}
	return &p, nil
}

// Graph validates the job graph of p.
func (p *Pipeline) Graph() (*Graph, error) {
	return NewGraph(p.Jobs)
}

// normalize applies defaults and checks every job in isolation.
func (p *Pipeline) normalize() error {
	if p.Project != "" && !namePattern.MatchString(p.Project) {
		return fmt.Errorf("invalid project name %q", p.Project)
	}
	if p.Marker == "" {
		p.Marker = DefaultMarker
	}
	if p.Activation.IsZero() {
		p.Activation = DefaultActivation()
	}
	if err := p.Activation.Validate(); err != nil {
		return err
	}
	if len(p.Jobs) == 0 {
		return errors.New("pipeline declares no jobs")
	}
	for i, schedule := range p.Schedules {
		if err := schedule.Validate(); err != nil {
			return fmt.Errorf("schedule #%d: %w", i+1, err)
		}
	}

	for i := range p.Jobs {
		job := &p.Jobs[i]
		if err := p.normalizeJob(job); err != nil {
			if job.Name == "" {
				return fmt.Errorf("job #%d: %w", i+1, err)
			}
			return fmt.Errorf("job %s: %w", job.Name, err)
		}
	}
	return nil
}

func (p *Pipeline) normalizeJob(job *JobSpec) error {
	if !namePattern.MatchString(job.Name) {
		return fmt.Errorf("invalid job name %q", job.Name)
	}
	if job.Name == reportProducer {
		return fmt.Errorf("job name %q is reserved", reportProducer)
	}

	job.Rule = Always()
	if job.Gate != nil {
		marker := job.Gate.Marker
		if marker == "" {
			marker = p.Marker
		}
		if job.Gate.Require == "" {
			return errors.New("gate requires a specific marker")
		}
		job.Rule = UnlessMarkerThenRequire(marker, job.Gate.Require)
	}

	if job.Archive != nil {
		if len(job.Steps) > 0 || len(job.TestPlans) > 0 || len(job.Outputs) > 0 || len(job.Matrix) > 0 || job.Target.Kind != "" {
			return errors.New("archive jobs run on the orchestrator and take no target, matrix, steps, test plans or outputs")
		}
		if job.Archive.Source == "" {
			job.Archive.Source = "."
		}
		if !filepath.IsLocal(job.Archive.Source) && job.Archive.Source != "." {
			return fmt.Errorf("archive source %q must be inside the project", job.Archive.Source)
		}
		return nil
	}

	if job.Target.Kind == "" {
		job.Target.Kind = target.KindBare
	}
	if !job.Target.Kind.Valid() {
		return fmt.Errorf("unknown target kind %q", job.Target.Kind)
	}
	if job.Target.Kind != target.KindBare && job.Target.Image == "" {
		return fmt.Errorf("%s target requires an image", job.Target.Kind)
	}
	if len(job.Steps) == 0 && len(job.TestPlans) == 0 {
		return errors.New("job has neither steps nor test plans")
	}

	seen := make(map[target.MatrixEntry]bool)
	for _, entry := range job.Matrix {
		if entry.IsZero() {
			return errors.New("empty matrix entry")
		}
		for _, value := range []string{entry.OS, entry.Version} {
			if value != "" && !namePattern.MatchString(value) {
				return fmt.Errorf("invalid matrix value %q", value)
			}
		}
		if seen[entry] {
			return fmt.Errorf("duplicate matrix entry %s", entry.Label())
		}
		seen[entry] = true
	}

	for i := range job.Steps {
		step := &job.Steps[i]
		if step.Name == "" {
			step.Name = fmt.Sprintf("step %d", i+1)
		}
		if strings.TrimSpace(step.Run) == "" {
			return fmt.Errorf("step %q has nothing to run", step.Name)
		}
		if step.Timeout < 0 {
			return fmt.Errorf("step %q has a negative timeout", step.Name)
		}
	}
	for _, output := range job.Outputs {
		if !filepath.IsLocal(output) {
			return fmt.Errorf("output %q must be relative to the work directory", output)
		}
	}
	for _, plan := range job.TestPlans {
		if !filepath.IsLocal(plan) {
			return fmt.Errorf("test plan %q must be relative to the plan root", plan)
		}
	}
	return nil
}

// Expand substitutes run and matrix variables in s: ${archive},
// ${project}, ${commit}, ${os} and ${version}.
func Expand(s, project, commit string, entry target.MatrixEntry) string {
	return strings.NewReplacer(
		ArchiveVariable, artifacts.ArchiveName(project, commit),
		"${project}", project,
		"${commit}", commit,
		"${os}", entry.OS,
		"${version}", entry.Version,
	).Replace(s)
}

// PlanDir returns the absolute directory test plan references resolve
// against.
func (p *Pipeline) PlanDir() string {
	if filepath.IsAbs(p.PlanRoot) {
		return p.PlanRoot
	}
	return filepath.Join(p.Dir, p.PlanRoot)
}
