package runner

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// schedule runs every pending JobRun in its own goroutine. A JobRun waits
// for all its dependencies to finish, then either skips or takes one of
// MaxParallel execution slots. Slots are taken only once dependencies are
// resolved, so waiting JobRuns never starve running ones.
func (x *execution) schedule(ctx context.Context) {
	limit := int64(x.engine.MaxParallel)
	if limit <= 0 {
		limit = int64(len(x.run.Runs))
	}
	slots := semaphore.NewWeighted(max(limit, 1))

	// JobRun failures are recorded on the JobRun, so there is nothing to
	// collect beyond completion.
	var wg sync.WaitGroup
	for _, jr := range x.run.Runs {
		if jr.State().Terminal() {
			continue
		}
		wg.Go(func() {
			defer close(jr.done)
			x.runJob(ctx, jr, slots)
		})
	}
	wg.Wait()
}

func (x *execution) runJob(ctx context.Context, jr *JobRun, slots *semaphore.Weighted) {
	states := make([]JobState, len(jr.deps))
	for i, dep := range jr.deps {
		select {
		case <-x.run.Runs[dep].done:
			states[i] = x.run.Runs[dep].State()
		case <-ctx.Done():
			x.finish(ctx, jr, JobFailed, "pipeline cancelled")
			return
		}
	}

	if Readiness(states, jr.Spec.Always) == Skip {
		x.finish(ctx, jr, JobSkipped, x.skipReason(jr, states))
		return
	}

	if err := slots.Acquire(ctx, 1); err != nil {
		x.finish(ctx, jr, JobFailed, "pipeline cancelled")
		return
	}
	defer slots.Release(1)

	x.execute(ctx, jr)
}

// skipReason names the first dependency that did not succeed.
func (x *execution) skipReason(jr *JobRun, states []JobState) string {
	for i, state := range states {
		if state != JobSucceeded {
			return fmt.Sprintf("dependency %s %s", x.run.Runs[jr.deps[i]].Key, state)
		}
	}
	return "dependency did not succeed"
}
