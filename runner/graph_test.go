package runner

import (
	"errors"
	"reflect"
	"testing"
)

func job(name string, needs ...string) JobSpec {
	return JobSpec{Name: name, Needs: needs}
}

func TestNewGraphRejectsInvalidGraphs(t *testing.T) {
	t.Parallel()

	producer := job("build", "source")
	producer.Outputs = []string{"dist/tool"}
	other := job("build-2", "source")
	other.Outputs = []string{"out/tool"}
	consumer := job("package", "build", "build-2")
	consumer.Consumes = []string{"tool"}
	standalone := job("build")
	standalone.Outputs = []string{"dist/tool"}
	orphan := job("package")
	orphan.Consumes = []string{"tool"}

	tests := []struct {
		name  string
		specs []JobSpec
		kind  string
	}{
		{"cycle", []JobSpec{job("a", "c"), job("b", "a"), job("c", "b")}, "cycle"},
		{"self cycle", []JobSpec{job("a", "a")}, "cycle"},
		{"missing dependency", []JobSpec{job("a", "ghost")}, "missing dependency"},
		{"duplicate", []JobSpec{job("a"), job("a")}, "duplicate job"},
		{"unnamed", []JobSpec{job("")}, "unnamed job"},
		{"unproduced artifact", []JobSpec{standalone, orphan}, "unproduced artifact"},
		{"ambiguous artifact", []JobSpec{job("source"), producer, other, consumer}, "ambiguous artifact"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraph(tt.specs)
			if !errors.Is(err, ErrGraph) {
				t.Fatalf("NewGraph() error = %v, want ErrGraph", err)
			}
			var graphErr *GraphError
			if !errors.As(err, &graphErr) || graphErr.Kind != tt.kind {
				t.Errorf("kind = %v, want %q", err, tt.kind)
			}
		})
	}
}

func TestCycleNamesEveryJobOnIt(t *testing.T) {
	t.Parallel()

	_, err := NewGraph([]JobSpec{job("ok"), job("a", "b", "ok"), job("b", "a")})
	var graphErr *GraphError
	if !errors.As(err, &graphErr) {
		t.Fatalf("error = %v", err)
	}
	if !reflect.DeepEqual(graphErr.Jobs, []string{"a", "b"}) {
		t.Errorf("Jobs = %v", graphErr.Jobs)
	}
}

func TestOrderAndWaves(t *testing.T) {
	t.Parallel()

	g, err := NewGraph([]JobSpec{
		job("report", "package", "format-check"),
		job("source"),
		job("format-check", "source"),
		job("build-linux", "source"),
		job("package", "build-linux"),
	})
	if err != nil {
		t.Fatal(err)
	}

	order := g.Order()
	position := make(map[string]int)
	for i, name := range order {
		position[name] = i
	}
	for _, edge := range [][2]string{{"source", "format-check"}, {"source", "build-linux"}, {"build-linux", "package"}, {"package", "report"}, {"format-check", "report"}} {
		if position[edge[0]] > position[edge[1]] {
			t.Errorf("%s ordered after %s: %v", edge[0], edge[1], order)
		}
	}

	want := [][]string{{"source"}, {"format-check", "build-linux"}, {"package"}, {"report"}}
	if got := g.Waves(); !reflect.DeepEqual(got, want) {
		t.Errorf("Waves() = %v, want %v", got, want)
	}
}

func TestProducerThroughTransitiveDependency(t *testing.T) {
	t.Parallel()

	source := job("source")
	source.Archive = &ArchiveSpec{Source: "."}
	build := job("build", "source")
	build.Consumes = []string{ArchiveVariable}
	test := job("test", "build")
	test.Consumes = []string{ArchiveVariable}

	g, err := NewGraph([]JobSpec{source, build, test})
	if err != nil {
		t.Fatal(err)
	}
	if producer, ok := g.Producer("test", ArchiveVariable); !ok || producer != "source" {
		t.Errorf("Producer() = %q, %v", producer, ok)
	}
	if _, ok := g.Producer("test", "missing"); ok {
		t.Error("Producer(missing) found a producer")
	}
}

func TestReadiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		deps   []JobState
		always bool
		want   Decision
	}{
		{"no dependencies", nil, false, Ready},
		{"all succeeded", []JobState{JobSucceeded, JobSucceeded}, false, Ready},
		{"one pending", []JobState{JobSucceeded, JobPending}, false, Wait},
		{"one running", []JobState{JobRunning}, false, Wait},
		{"failed dependency", []JobState{JobSucceeded, JobFailed}, false, Skip},
		{"skipped dependency", []JobState{JobSkipped}, false, Skip},
		{"failed but another still running", []JobState{JobFailed, JobRunning}, false, Wait},
		{"always after failure", []JobState{JobFailed, JobSkipped}, true, Ready},
		{"always waits too", []JobState{JobFailed, JobRunning}, true, Wait},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Readiness(tt.deps, tt.always); got != tt.want {
				t.Errorf("Readiness(%v, %v) = %s, want %s", tt.deps, tt.always, got, tt.want)
			}
		})
	}
}
