package runner

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCronDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	c := NewCron(&ProjectsConfig{}, &Engine{}, "", nil)
	c.now = func() time.Time { return now }

	tests := []struct {
		name     string
		schedule Schedule
		lastRun  time.Time
		want     bool
	}{
		{"interval never run", Schedule{Every: "1h"}, time.Time{}, true},
		{"interval not elapsed", Schedule{Every: "1h"}, now.Add(-30 * time.Minute), false},
		{"interval elapsed", Schedule{Every: "1h"}, now.Add(-time.Hour), true},
		{"at matching minute", Schedule{At: "14:30"}, time.Time{}, true},
		{"at other minute", Schedule{At: "14:31"}, time.Time{}, false},
		{"at already fired today", Schedule{At: "14:30"}, now.Add(-time.Minute), false},
		{"at fired yesterday", Schedule{At: "14:30"}, now.Add(-24 * time.Hour), true},
		{"broken interval", Schedule{Every: "often"}, time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.due(tt.schedule, tt.lastRun); got != tt.want {
				t.Errorf("due(%+v) = %v, want %v", tt.schedule, got, tt.want)
			}
		})
	}
}

func TestParseAtTime(t *testing.T) {
	t.Parallel()

	hour, minute, err := parseAtTime("07:05")
	if err != nil || hour != 7 || minute != 5 {
		t.Errorf("parseAtTime(07:05) = %d, %d, %v", hour, minute, err)
	}
	for _, bad := range []string{"7", "24:00", "12:60", "ab:cd", "1:2:3"} {
		if _, _, err := parseAtTime(bad); err == nil {
			t.Errorf("parseAtTime(%q) succeeded", bad)
		}
	}
}

func TestParseInterval(t *testing.T) {
	t.Parallel()

	if d, err := parseInterval("1h30m"); err != nil || d != 90*time.Minute {
		t.Errorf("parseInterval(1h30m) = %v, %v", d, err)
	}
	if _, err := parseInterval("30s"); err == nil || !strings.Contains(err.Error(), "shorter") {
		t.Errorf("parseInterval(30s) error = %v", err)
	}
}

func TestProjects(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	if err := os.Mkdir(filepath.Join(base, "widget"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "widget", PipelineFile), []byte(samplePipeline), 0644); err != nil {
		t.Fatal(err)
	}
	config := filepath.Join(base, "projects.yml")
	content := "projects:\n  - name: widget\n    path: widget\n  - name: gone\n    path: missing\n"
	if err := os.WriteFile(config, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	projects, err := LoadProjects(config)
	if err != nil {
		t.Fatalf("LoadProjects() error = %v", err)
	}

	widget, err := projects.GetProject("widget")
	if err != nil {
		t.Fatal(err)
	}
	if err := widget.Validate(base); err != nil {
		t.Errorf("Validate(widget) = %v", err)
	}
	if got := widget.PipelinePath(base); got != filepath.Join(base, "widget", "ciorch.yml") {
		t.Errorf("PipelinePath() = %s", got)
	}

	gone, _ := projects.GetProject("gone")
	if err := gone.Validate(base); err == nil {
		t.Error("Validate(gone) succeeded")
	}
	if _, err := projects.GetProject("nope"); err == nil {
		t.Error("GetProject(nope) succeeded")
	}
}

func TestLoadProjectsRejectsDuplicates(t *testing.T) {
	t.Parallel()

	config := filepath.Join(t.TempDir(), "projects.yml")
	content := "projects:\n  - {name: a, path: x}\n  - {name: a, path: y}\n"
	if err := os.WriteFile(config, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProjects(config); err == nil || !strings.Contains(err.Error(), "twice") {
		t.Errorf("LoadProjects() error = %v", err)
	}
}
