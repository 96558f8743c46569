package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"ciorch/runner"
	"ciorch/runner/storage"
)

const testPipeline = `
project: widget
jobs:
  - name: hello
    steps:
      - {run: echo hello}
  - name: after
    needs: [hello]
    steps:
      - {run: echo after}
`

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	base := t.TempDir()
	if err := os.Mkdir(filepath.Join(base, "widget"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "widget", runner.PipelineFile), []byte(testPipeline), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := storage.NewStorage(filepath.Join(base, "ciorch.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	engine := &runner.Engine{ArtifactDir: filepath.Join(base, "artifacts"), Storage: store}
	projects := &runner.ProjectsConfig{Projects: []runner.Project{
		{Name: "widget", Path: "widget"},
		{Name: "broken", Path: "missing"},
	}}
	s := NewServer(context.Background(), store, engine, projects, base, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, url string, wantStatus int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
}

func TestTriggerAndInspectRun(t *testing.T) {
	s, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/projects/widget/run", "application/json", strings.NewReader(`{"ref": "refs/heads/main", "commit": "abc123"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST run = %d", resp.StatusCode)
	}
	s.Wait()

	var runs []storage.PipelineRun
	getJSON(t, ts.URL+"/api/runs?project=widget", http.StatusOK, &runs)
	if len(runs) != 1 || runs[0].Status != "passed" || runs[0].Commit != "abc123" {
		t.Fatalf("runs = %+v", runs)
	}
	id := strconv.FormatInt(runs[0].ID, 10)

	var detail struct {
		Run  storage.PipelineRun `json:"run"`
		Jobs []storage.JobRun    `json:"jobs"`
	}
	getJSON(t, ts.URL+"/api/runs/"+id, http.StatusOK, &detail)
	if len(detail.Jobs) != 2 {
		t.Fatalf("jobs = %+v", detail.Jobs)
	}
	for _, job := range detail.Jobs {
		if job.State != "succeeded" || !strings.Contains(job.Log, "$ step 1") {
			t.Errorf("job %s = %s, log %q", job.Job, job.State, job.Log)
		}
	}

	var report struct {
		Passed bool `json:"passed"`
	}
	getJSON(t, ts.URL+"/api/runs/"+id+"/report", http.StatusOK, &report)
	if !report.Passed {
		t.Error("report not passed")
	}

	var artifacts []storage.Artifact
	getJSON(t, ts.URL+"/api/runs/"+id+"/artifacts", http.StatusOK, &artifacts)
	if len(artifacts) != 2 {
		t.Errorf("artifacts = %+v", artifacts)
	}

	var stats []storage.JobRunStats
	getJSON(t, ts.URL+"/api/projects/widget/stats", http.StatusOK, &stats)
	if len(stats) != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRunErrors(t *testing.T) {
	_, ts := newTestServer(t)

	getJSON(t, ts.URL+"/api/runs/42", http.StatusNotFound, nil)
	getJSON(t, ts.URL+"/api/runs/abc", http.StatusBadRequest, nil)

	for path, want := range map[string]int{
		"/api/projects/nope/run":   http.StatusNotFound,
		"/api/projects/broken/run": http.StatusBadRequest,
	} {
		resp, err := http.Post(ts.URL+path, "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("POST %s = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func TestGetProjects(t *testing.T) {
	_, ts := newTestServer(t)

	var projects []struct {
		Name  string `json:"name"`
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	getJSON(t, ts.URL+"/api/projects", http.StatusOK, &projects)
	if len(projects) != 2 || !projects[0].Valid || projects[1].Valid || projects[1].Error == "" {
		t.Errorf("projects = %+v", projects)
	}
}

func TestCORSPreflight(t *testing.T) {
	_, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/runs", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight = %d, %v", resp.StatusCode, resp.Header)
	}
}
