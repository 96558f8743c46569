package testplan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writePlan(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writePlan(t, root, "linux/smoke.yml", `
summary: binary starts
requires: [linux]
cases:
  - name: version
    run: ./tool --version
  - name: selftest
    run: ./tool selftest
    timeout: 90s
`)

	plan, err := Load(root, "linux/smoke.yml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if plan.Name != "smoke" {
		t.Errorf("Name = %q, want name derived from path", plan.Name)
	}
	if plan.Path != "linux/smoke.yml" {
		t.Errorf("Path = %q", plan.Path)
	}
	if len(plan.Cases) != 2 || plan.Cases[1].Name != "selftest" {
		t.Fatalf("Cases = %+v", plan.Cases)
	}
	if got := time.Duration(plan.Cases[1].Timeout); got != 90*time.Second {
		t.Errorf("Timeout = %s, want 90s", got)
	}
	if len(plan.Requires) != 1 || plan.Requires[0] != "linux" {
		t.Errorf("Requires = %v", plan.Requires)
	}
}

func TestLoadJSONC(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writePlan(t, root, "install.jsonc", `{
  // packaged install
  "name": "install",
  "cases": [
    {"name": "deb", "run": "dpkg -i out/*.deb", "timeout": "5m"},
  ],
}`)

	plan, err := Load(root, "install.jsonc")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if plan.Name != "install" || len(plan.Cases) != 1 {
		t.Fatalf("plan = %+v", plan)
	}
	if got := time.Duration(plan.Cases[0].Timeout); got != 5*time.Minute {
		t.Errorf("Timeout = %s, want 5m", got)
	}
}

func TestLoadRejects(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writePlan(t, root, "empty.yml", "name: empty\ncases: []\n")
	writePlan(t, root, "dup.yml", "cases:\n  - {name: a, run: 'true'}\n  - {name: a, run: 'true'}\n")
	writePlan(t, root, "norun.yml", "cases:\n  - {name: a}\n")
	writePlan(t, root, "unknown.yml", "cases:\n  - {name: a, run: 'true', retries: 3}\n")
	writePlan(t, root, "plan.txt", "cases: []\n")

	tests := map[string]string{
		"../outside.yml": "escapes",
		"/etc/plan.yml":  "escapes",
		"missing.yml":    "reading",
		"empty.yml":      "no cases",
		"dup.yml":        "duplicate",
		"norun.yml":      "run is required",
		"unknown.yml":    "retries",
		"plan.txt":       "unsupported",
	}
	for ref, want := range tests {
		t.Run(ref, func(t *testing.T) {
			_, err := Load(root, ref)
			if err == nil {
				t.Fatalf("Load(%q) succeeded, want error", ref)
			}
			if !strings.Contains(err.Error(), want) {
				t.Errorf("Load(%q) error = %v, want it to mention %q", ref, err, want)
			}
		})
	}
}

func TestLoadAllKeepsLiteralOrder(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	for _, name := range []string{"a", "b", "c"} {
		writePlan(t, root, name+".yaml", "cases:\n  - {name: one, run: 'true'}\n")
	}

	plans, err := LoadAll(root, []string{"c.yaml", "a.yaml", "b.yaml"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	var names []string
	for _, plan := range plans {
		names = append(names, plan.Name)
	}
	if strings.Join(names, ",") != "c,a,b" {
		t.Errorf("order = %v, want [c a b]", names)
	}
}

func TestLoadAllKeepsUnloadablePlansInPlace(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writePlan(t, root, "smoke.yaml", "cases:\n  - {name: one, run: 'true'}\n")
	writePlan(t, root, "later.yaml", "cases:\n  - {name: one, run: 'true'}\n")

	plans, err := LoadAll(root, []string{"smoke.yaml", "missing.yaml", "later.yaml"})
	if err == nil || !strings.Contains(err.Error(), "missing.yaml") {
		t.Errorf("LoadAll() error = %v, want it to name missing.yaml", err)
	}
	if len(plans) != 3 {
		t.Fatalf("got %d plans, want 3", len(plans))
	}
	if plans[0].Err != nil || plans[2].Err != nil || plans[2].Name != "later" {
		t.Errorf("loadable plans = %+v, %+v", plans[0], plans[2])
	}
	if plans[1].Name != "missing" || plans[1].Err == nil {
		t.Errorf("placeholder = %+v", plans[1])
	}
}

func TestFilter(t *testing.T) {
	t.Parallel()

	plans := []*Plan{
		{Name: "any"},
		{Name: "linux-only", Requires: []string{"linux"}},
		{Name: "windows-only", Requires: []string{"windows"}},
		{Name: "linux-vm", Requires: []string{"linux", "vm"}},
	}
	offered := map[string]bool{"linux": true, "vm": true}

	runnable, unsupported := Filter(plans, func(c string) bool { return offered[c] })
	if len(runnable) != 3 || runnable[0].Name != "any" || runnable[2].Name != "linux-vm" {
		t.Errorf("runnable = %v", planNames(runnable))
	}
	if len(unsupported) != 1 || unsupported[0].Name != "windows-only" {
		t.Errorf("unsupported = %v", planNames(unsupported))
	}
}

func planNames(plans []*Plan) []string {
	names := make([]string, len(plans))
	for i, plan := range plans {
		names[i] = plan.Name
	}
	return names
}
