package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"

	"ciorch/runner"
	"ciorch/runner/storage"
)

// Server holds what the HTTP handlers need.
type Server struct {
	Store    *storage.Storage
	Engine   *runner.Engine
	Projects *runner.ProjectsConfig
	// BaseDir resolves relative project paths.
	BaseDir string
	Logger  *slog.Logger

	// ctx bounds runs started over HTTP; they outlive the request.
	ctx     context.Context
	running sync.WaitGroup
}

// NewServer returns a server whose triggered runs are cancelled with ctx.
func NewServer(ctx context.Context, store *storage.Storage, engine *runner.Engine, projects *runner.ProjectsConfig, baseDir string, logger *slog.Logger) *Server {
	if projects == nil {
		projects = &runner.ProjectsConfig{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{Store: store, Engine: engine, Projects: projects, BaseDir: baseDir, Logger: logger, ctx: ctx}
}

// Handler routes the API with permissive CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/runs", s.GetRuns())
	mux.HandleFunc("GET /api/runs/{id}", s.GetRun())
	mux.HandleFunc("GET /api/runs/{id}/report", s.GetRunReport())
	mux.HandleFunc("GET /api/runs/{id}/artifacts", s.GetRunArtifacts())
	mux.HandleFunc("GET /api/projects", s.GetProjects())
	mux.HandleFunc("POST /api/projects/{name}/run", s.PostProjectRun())
	mux.HandleFunc("GET /api/projects/{name}/stats", s.GetProjectStats())
	mux.HandleFunc("GET /api/events", SSEHandler())
	return corsMiddleware(mux)
}

// Wait blocks until every run started over HTTP has finished.
func (s *Server) Wait() {
	s.running.Wait()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{"error": fmt.Sprintf(format, args...)})
}

// lookupRun resolves the {id} path value, writing the error response
// itself when it fails.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*storage.PipelineRun, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id %q", r.PathValue("id"))
		return nil, false
	}
	run, err := s.Store.GetPipelineRun(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run %d not found", id)
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get run: %v", err)
		return nil, false
	}
	return run, true
}

// GetRuns returns the most recent pipeline runs, optionally for one
// project (?project=name).
func (s *Server) GetRuns() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := s.Store.GetPipelineRuns(r.URL.Query().Get("project"), 100)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to get runs: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

// GetRun returns a run with its job runs and their test results.
func (s *Server) GetRun() http.HandlerFunc {
	type jobResponse struct {
		*storage.JobRun
		Tests []*storage.TestResult `json:"tests,omitempty"`
	}
	type runResponse struct {
		Run  *storage.PipelineRun `json:"run"`
		Jobs []jobResponse        `json:"jobs"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := s.lookupRun(w, r)
		if !ok {
			return
		}

		jobs, err := s.Store.GetJobRuns(run.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to get job runs: %v", err)
			return
		}

		response := runResponse{Run: run, Jobs: make([]jobResponse, 0, len(jobs))}
		for _, job := range jobs {
			tests, err := s.Store.GetTestResults(job.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to get test results: %v", err)
				return
			}
			response.Jobs = append(response.Jobs, jobResponse{JobRun: job, Tests: tests})
		}
		writeJSON(w, http.StatusOK, response)
	}
}

// GetRunReport serves the aggregated JSON report of a finished run.
func (s *Server) GetRunReport() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := s.lookupRun(w, r)
		if !ok {
			return
		}

		data, err := os.ReadFile(runner.ReportPath(s.Engine.Dir(), run.UUID))
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "run %d has no report yet", run.ID)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read report: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

// GetRunArtifacts lists the artifacts a run published.
func (s *Server) GetRunArtifacts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := s.lookupRun(w, r)
		if !ok {
			return
		}
		list, err := s.Store.GetArtifacts(run.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to get artifacts: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// GetProjects returns all configured projects
func (s *Server) GetProjects() http.HandlerFunc {
	type projectResponse struct {
		runner.Project
		Valid bool   `json:"valid"`
		Error string `json:"error,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		projects := make([]projectResponse, 0, len(s.Projects.Projects))
		for _, project := range s.Projects.Projects {
			pr := projectResponse{Project: project, Valid: true}
			if err := project.Validate(s.BaseDir); err != nil {
				pr.Valid = false
				pr.Error = err.Error()
			}
			projects = append(projects, pr)
		}
		writeJSON(w, http.StatusOK, projects)
	}
}

// PostProjectRun starts a pipeline run for a project in the background.
// The body is {"ref": "...", "commit": "..."}; ref defaults to
// refs/heads/main.
func (s *Server) PostProjectRun() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		project, err := s.Projects.GetProject(name)
		if err != nil {
			writeError(w, http.StatusNotFound, "%v", err)
			return
		}
		if err := project.Validate(s.BaseDir); err != nil {
			writeError(w, http.StatusBadRequest, "invalid project: %v", err)
			return
		}

		var trigger runner.Trigger
		if r.ContentLength != 0 {
			var body struct {
				Ref    string `json:"ref"`
				Commit string `json:"commit"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request: %v", err)
				return
			}
			trigger = runner.Trigger{Ref: body.Ref, Commit: body.Commit}
		}
		if trigger.Ref == "" {
			trigger.Ref = "refs/heads/main"
		}

		pipeline, err := runner.LoadPipeline(project.PipelinePath(s.BaseDir))
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "%v", err)
			return
		}

		s.Logger.Info("triggering pipeline", "project", name, "ref", trigger.Ref)
		s.running.Add(1)
		go func() {
			defer s.running.Done()
			run, err := s.Engine.Run(s.ctx, pipeline, trigger)
			if err != nil {
				s.Logger.Error("pipeline execution failed", "project", name, "error", err)
				return
			}
			s.Logger.Info("pipeline completed", "project", name, "run", run.ID, "passed", run.Report.Passed)
		}()

		writeJSON(w, http.StatusAccepted, map[string]any{
			"message": fmt.Sprintf("Pipeline started for %s", name),
			"status":  "starting",
			"ref":     trigger.Ref,
		})
	}
}

// GetProjectStats returns the latest runs of every job of a project. Jobs
// declared in the pipeline that never ran are listed without runs.
func (s *Server) GetProjectStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		project, err := s.Projects.GetProject(name)
		if err != nil {
			writeError(w, http.StatusNotFound, "%v", err)
			return
		}

		stats, err := s.Store.GetLatestJobStats(name, 5)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to get project stats: %v", err)
			return
		}

		if pipeline, err := runner.LoadPipeline(project.PipelinePath(s.BaseDir)); err == nil {
			seen := make(map[string]bool, len(stats))
			for _, stat := range stats {
				seen[stat.Job] = true
			}
			for _, job := range pipeline.Jobs {
				if !seen[job.Name] {
					stats = append(stats, storage.JobRunStats{Job: job.Name})
				}
			}
		}
		writeJSON(w, http.StatusOK, stats)
	}
}
