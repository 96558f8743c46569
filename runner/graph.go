package runner

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// ErrGraph matches every *GraphError.
var ErrGraph = errors.New("invalid job graph")

// GraphError reports a job graph that cannot be executed. It is fatal to
// the pipeline and raised before any JobRun is created.
type GraphError struct {
	Kind   string
	Jobs   []string
	Detail string
}

func (e *GraphError) Error() string {
	msg := fmt.Sprintf("job graph: %s", e.Kind)
	if len(e.Jobs) > 0 {
		msg += " (" + strings.Join(e.Jobs, ", ") + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *GraphError) Is(target error) bool {
	return target == ErrGraph
}

// Graph is a validated, acyclic set of job specs.
type Graph struct {
	specs []JobSpec
	index map[string]int
	// order is a topological order; ties keep declaration order.
	order []int
	depth []int
	// ancestors[i] holds every job i depends on, directly or not.
	ancestors []map[int]bool
	// producers maps an artifact name to the jobs declaring it as output.
	producers map[string][]int
}

// NewGraph validates specs: names are unique, every dependency exists,
// there is no cycle, and every consumed artifact is produced by exactly
// one direct or transitive dependency.
func NewGraph(specs []JobSpec) (*Graph, error) {
	g := &Graph{
		specs:     specs,
		index:     make(map[string]int, len(specs)),
		producers: make(map[string][]int),
	}

	for i, spec := range specs {
		if spec.Name == "" {
			return nil, &GraphError{Kind: "unnamed job", Detail: fmt.Sprintf("job #%d has no name", i+1)}
		}
		if _, dup := g.index[spec.Name]; dup {
			return nil, &GraphError{Kind: "duplicate job", Jobs: []string{spec.Name}}
		}
		g.index[spec.Name] = i
	}
	for _, spec := range specs {
		for _, need := range spec.Needs {
			if _, ok := g.index[need]; !ok {
				return nil, &GraphError{Kind: "missing dependency", Jobs: []string{spec.Name}, Detail: fmt.Sprintf("needs unknown job %q", need)}
			}
		}
	}

	if err := g.sort(); err != nil {
		return nil, err
	}
	g.computeAncestors()

	for i, spec := range specs {
		for _, output := range spec.OutputNames() {
			g.producers[output] = append(g.producers[output], i)
		}
	}
	for i, spec := range specs {
		for _, name := range spec.Consumes {
			if _, err := g.producerOf(i, name); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// sort runs Kahn's algorithm. Every node must be visited exactly once;
// nodes left over sit on or behind a cycle.
func (g *Graph) sort() error {
	n := len(g.specs)
	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i, spec := range g.specs {
		for _, need := range uniq(spec.Needs) {
			j := g.index[need]
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	g.depth = make([]int, n)
	var ready []int
	for i := range g.specs {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	visited := make([]bool, n)
	for len(ready) > 0 {
		sort.Ints(ready)
		current := ready[0]
		ready = ready[1:]
		if visited[current] {
			return &GraphError{Kind: "internal", Detail: "node visited twice"}
		}
		visited[current] = true
		g.order = append(g.order, current)

		for _, dependent := range dependents[current] {
			if g.depth[current]+1 > g.depth[dependent] {
				g.depth[dependent] = g.depth[current] + 1
			}
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(g.order) != n {
		var cyclic []string
		for i, spec := range g.specs {
			if !visited[i] {
				cyclic = append(cyclic, spec.Name)
			}
		}
		return &GraphError{Kind: "cycle", Jobs: cyclic}
	}
	return nil
}

func (g *Graph) computeAncestors() {
	g.ancestors = make([]map[int]bool, len(g.specs))
	for _, i := range g.order {
		set := make(map[int]bool)
		for _, need := range g.specs[i].Needs {
			j := g.index[need]
			set[j] = true
			for k := range g.ancestors[j] {
				set[k] = true
			}
		}
		g.ancestors[i] = set
	}
}

func (g *Graph) producerOf(consumer int, name string) (int, error) {
	var found []int
	for _, producer := range g.producers[name] {
		if g.ancestors[consumer][producer] {
			found = append(found, producer)
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return 0, &GraphError{
			Kind:   "unproduced artifact",
			Jobs:   []string{g.specs[consumer].Name},
			Detail: fmt.Sprintf("consumes %q but no job it depends on outputs it", name),
		}
	}
	names := make([]string, len(found))
	for i, p := range found {
		names[i] = g.specs[p].Name
	}
	return 0, &GraphError{
		Kind:   "ambiguous artifact",
		Jobs:   []string{g.specs[consumer].Name},
		Detail: fmt.Sprintf("%q is output by %s", name, strings.Join(names, " and ")),
	}
}

// Producer returns the job producing artifact name for consumer.
func (g *Graph) Producer(consumer, name string) (string, bool) {
	i, ok := g.index[consumer]
	if !ok {
		return "", false
	}
	p, err := g.producerOf(i, name)
	if err != nil {
		return "", false
	}
	return g.specs[p].Name, true
}

// Job returns the declaration of the job named name.
func (g *Graph) Job(name string) (*JobSpec, bool) {
	i, ok := g.index[name]
	if !ok {
		return nil, false
	}
	return &g.specs[i], true
}

// Order returns job names in a topological order.
func (g *Graph) Order() []string {
	names := make([]string, len(g.order))
	for i, j := range g.order {
		names[i] = g.specs[j].Name
	}
	return names
}

// Waves groups jobs into layers: a job's layer is one more than the
// deepest job it needs. Jobs in one wave do not depend on each other.
func (g *Graph) Waves() [][]string {
	var waves [][]string
	for _, i := range g.order {
		d := g.depth[i]
		for len(waves) <= d {
			waves = append(waves, nil)
		}
		waves[d] = append(waves[d], g.specs[i].Name)
	}
	return waves
}

// Decision is the readiness of a JobRun given its dependencies.
type Decision int

const (
	// Wait means some dependency has not reached a terminal state.
	Wait Decision = iota
	Ready
	// Skip means a dependency failed or was skipped.
	Skip
)

func (d Decision) String() string {
	switch d {
	case Ready:
		return "ready"
	case Skip:
		return "skip"
	}
	return "wait"
}

// Readiness decides whether a JobRun may start. A JobRun is Ready when
// every dependency Succeeded and is skipped as soon as all dependencies
// are terminal and one of them did not succeed. A job declared always
// is Ready once every dependency is terminal, whatever the outcome.
func Readiness(deps []JobState, always bool) Decision {
	unsuccessful := false
	for _, state := range deps {
		if !state.Terminal() {
			return Wait
		}
		if state != JobSucceeded {
			unsuccessful = true
		}
	}
	if unsuccessful && !always {
		return Skip
	}
	return Ready
}

// OutputNames returns the artifact names a job declares: the base name
// of every output path, and the source archive for archive jobs.
func (j *JobSpec) OutputNames() []string {
	var names []string
	if j.Archive != nil {
		names = append(names, ArchiveVariable)
	}
	for _, output := range j.Outputs {
		names = append(names, path.Base(output))
	}
	return names
}

func uniq(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := values[:0:0]
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
