package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Validate checks that exactly one of Every and At is set and parses.
func (s Schedule) Validate() error {
	switch {
	case s.Every != "" && s.At != "":
		return errors.New("set either every or at, not both")
	case s.Every != "":
		_, err := parseInterval(s.Every)
		return err
	case s.At != "":
		_, _, err := parseAtTime(s.At)
		return err
	}
	return errors.New("schedule needs every or at")
}

// Cron starts scheduled pipeline runs for registered projects.
type Cron struct {
	projects *ProjectsConfig
	engine   *Engine
	baseDir  string
	logger   *slog.Logger

	stopChan    chan struct{}
	stopOnce    sync.Once
	mu          sync.RWMutex
	lastRuns    map[string]time.Time // last trigger per schedule
	runningJobs map[string]bool      // schedules with a run in flight
	now         func() time.Time
}

// NewCron creates a cron over the projects registry.
func NewCron(projects *ProjectsConfig, engine *Engine, baseDir string, logger *slog.Logger) *Cron {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Cron{
		projects:    projects,
		engine:      engine,
		baseDir:     baseDir,
		logger:      logger,
		stopChan:    make(chan struct{}),
		lastRuns:    make(map[string]time.Time),
		runningJobs: make(map[string]bool),
		now:         time.Now,
	}
}

// Start checks schedules every minute until Stop is called or ctx ends.
func (c *Cron) Start(ctx context.Context) {
	c.logger.Info("scheduler started")
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	c.tick(ctx)
	for {
		select {
		case <-ticker.C:
			c.tick(ctx)
		case <-c.stopChan:
			c.logger.Info("scheduler stopped")
			return
		case <-ctx.Done():
			c.logger.Info("scheduler stopped", "reason", ctx.Err())
			return
		}
	}
}

// Stop ends the loop started by Start.
func (c *Cron) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

// tick fires every due schedule that is not already running.
func (c *Cron) tick(ctx context.Context) {
	for _, project := range c.projects.Projects {
		pipeline, err := LoadPipeline(project.PipelinePath(c.baseDir))
		if err != nil || len(pipeline.Schedules) == 0 {
			continue
		}

		for i, schedule := range pipeline.Schedules {
			key := fmt.Sprintf("%s-schedule-%d", project.Name, i)

			c.mu.Lock()
			due := !c.runningJobs[key] && c.due(schedule, c.lastRuns[key])
			if due {
				c.runningJobs[key] = true
				c.lastRuns[key] = c.now()
			}
			c.mu.Unlock()
			if !due {
				continue
			}

			go func() {
				c.fire(ctx, pipeline, schedule)
				c.mu.Lock()
				delete(c.runningJobs, key)
				c.mu.Unlock()
			}()
		}
	}
}

// due reports whether schedule should fire given its last trigger.
func (c *Cron) due(schedule Schedule, lastRun time.Time) bool {
	now := c.now()

	if schedule.At != "" {
		hour, minute, err := parseAtTime(schedule.At)
		if err != nil {
			return false
		}
		// Only once per day at this time
		return now.Hour() == hour && now.Minute() == minute &&
			(lastRun.IsZero() || now.Sub(lastRun) >= 23*time.Hour)
	}

	interval, err := parseInterval(schedule.Every)
	if err != nil {
		return false
	}
	return lastRun.IsZero() || now.Sub(lastRun) >= interval
}

func (c *Cron) fire(ctx context.Context, pipeline *Pipeline, schedule Schedule) {
	ref := schedule.Ref
	if ref == "" {
		ref = "refs/heads/main"
	}
	when := schedule.At
	if when == "" {
		when = "every " + schedule.Every
	}
	c.logger.Info("schedule triggered", "project", pipeline.Project, "ref", ref, "schedule", when)

	run, err := c.engine.Run(ctx, pipeline, Trigger{Ref: ref})
	if err != nil {
		c.logger.Error("scheduled run failed", "project", pipeline.Project, "error", err)
		return
	}
	c.logger.Info("scheduled run completed", "project", pipeline.Project, "run", run.ID, "passed", run.Report.Passed)
}

// parseAtTime parses "HH:MM" format
func parseAtTime(at string) (hour, minute int, err error) {
	parts := strings.Split(at, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", at)
	}

	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", at)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", at)
	}
	return hour, minute, nil
}

// parseInterval parses duration strings like "1h", "30m", "1h30m"
func parseInterval(every string) (time.Duration, error) {
	duration, err := time.ParseDuration(every)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", every)
	}
	if duration < time.Minute {
		return 0, fmt.Errorf("interval %q is shorter than a minute", every)
	}
	return duration, nil
}
