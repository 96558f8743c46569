package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ciorch/api"
	"ciorch/runner"
)

// Serve runs the HTTP API and the schedule loop until ctx is cancelled.
// baseDir resolves relative project paths and the web dashboard.
func Serve(ctx context.Context, env *Env, baseDir string) error {
	logger := env.Logger

	projectsPath := env.Config.Projects
	if !filepath.IsAbs(projectsPath) {
		projectsPath = filepath.Join(baseDir, projectsPath)
	}
	projects, err := runner.LoadProjects(projectsPath)
	if err != nil {
		logger.Warn("failed to load projects config", "path", projectsPath, "error", err)
		projects = &runner.ProjectsConfig{Projects: []runner.Project{}}
	} else {
		fmt.Printf("📁 Loaded %d project(s)\n", len(projects.Projects))
	}

	server := api.NewServer(ctx, env.Store, env.Engine, projects, baseDir, logger)
	mux := http.NewServeMux()
	mux.Handle("/api/", server.Handler())

	// Serve the dashboard build when there is one.
	webDir := filepath.Join(baseDir, "web", "dist")
	if _, err := os.Stat(webDir); err == nil {
		mux.Handle("/assets/", http.FileServer(http.Dir(webDir)))
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api/") {
				http.NotFound(w, r)
				return
			}
			http.ServeFile(w, r, filepath.Join(webDir, "index.html"))
		})
	}

	cron := runner.NewCron(projects, env.Engine, baseDir, logger)
	go cron.Start(ctx)
	defer cron.Stop()

	httpServer := &http.Server{
		Addr:              ":" + env.Config.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		errs <- httpServer.ListenAndServe()
	}()
	fmt.Printf("🚀 Starting ciorch server on port %s...\n", env.Config.Port)
	fmt.Printf("📊 Dashboard: http://localhost:%s\n", env.Config.Port)

	select {
	case err := <-errs:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	err = httpServer.Shutdown(shutdownContext)
	// Runs see the cancelled context and finish with their JobRuns failed.
	server.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
