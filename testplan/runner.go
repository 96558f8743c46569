package testplan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ciorch/remote"
)

// Outcome is the verdict for one case.
type Outcome string

const (
	Pass Outcome = "pass"
	// Fail means the case ran and exited non-zero.
	Fail Outcome = "fail"
	// Error means the case could not be run to completion.
	Error Outcome = "error"
)

// UnrunCase names the synthetic result standing in for cases that never
// ran because the target was lost.
const UnrunCase = "(not run)"

// Result is the immutable outcome of one case.
type Result struct {
	Plan       string        `json:"plan"`
	Case       string        `json:"case"`
	Outcome    Outcome       `json:"outcome"`
	ExitStatus int           `json:"exit_status"`
	Log        string        `json:"log,omitempty"`
	Duration   time.Duration `json:"duration"`
	// Synthetic is set on results that were recorded without running.
	Synthetic bool `json:"synthetic,omitempty"`
}

// PlanState tracks one plan through a run.
type PlanState string

const (
	PlanLoaded    PlanState = "loaded"
	PlanRunning   PlanState = "running"
	PlanCompleted PlanState = "completed"
)

// Runner executes plans over a channel. The zero value is usable.
type Runner struct {
	// Env is exported to every case.
	Env map[string]string
	// Redactor masks secrets in captured logs.
	Redactor *remote.Redactor
	Logger   *slog.Logger
	// OnResult, when set, is called after each result is recorded.
	OnResult func(Result)
	// OnPlan, when set, is called on every plan state change.
	OnPlan func(plan string, state PlanState)
}

// Execute runs plans in order and every case of a plan in order. It
// never stops early on a failing case or plan. When the target becomes
// unreachable it stops issuing commands and records one synthetic Error
// for the rest of the current plan and one for each plan not yet run.
// A plan that failed to load yields one synthetic Error in its place.
func (r *Runner) Execute(ctx context.Context, ch remote.Channel, plans []*Plan) []Result {
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	for _, plan := range plans {
		r.planState(plan.Name, PlanLoaded)
	}

	var results []Result
	for i, plan := range plans {
		r.planState(plan.Name, PlanRunning)
		if plan.Err != nil {
			logger.Warn("test plan not loaded", "plan", plan.Name, "error", plan.Err)
			results = r.record(results, Unrun(plan.Name, "plan not loaded: "+r.Redactor.Redact(plan.Err.Error())))
			r.planState(plan.Name, PlanCompleted)
			continue
		}
		logger.Info("test plan started", "plan", plan.Name, "cases", len(plan.Cases))

		for j, c := range plan.Cases {
			result, lost := r.runCase(ctx, ch, plan, c)
			results = r.record(results, result)
			if lost == nil {
				continue
			}

			cause := r.Redactor.Redact(lost.Error())
			logger.Error("target lost during test plan", "plan", plan.Name, "case", c.Name, "remaining_plans", len(plans)-i-1)
			if remaining := len(plan.Cases) - j - 1; remaining > 0 {
				results = r.record(results, Unrun(plan.Name, fmt.Sprintf("%d remaining case(s) not run: %s", remaining, cause)))
			}
			r.planState(plan.Name, PlanCompleted)
			for _, rest := range plans[i+1:] {
				results = r.record(results, Unrun(rest.Name, "plan not run: "+cause))
				r.planState(rest.Name, PlanCompleted)
			}
			return results
		}

		r.planState(plan.Name, PlanCompleted)
		logger.Info("test plan completed", "plan", plan.Name)
	}
	return results
}

// runCase runs one case. A non-nil lost means no further command can run.
func (r *Runner) runCase(ctx context.Context, ch remote.Channel, plan *Plan, c Case) (Result, error) {
	output, err := ch.Run(ctx, remote.Command{
		Name:    plan.Name + "/" + c.Name,
		Script:  c.Run,
		Env:     r.Env,
		Timeout: time.Duration(c.Timeout),
	})
	result := Result{
		Plan:       plan.Name,
		Case:       c.Name,
		ExitStatus: output.ExitStatus,
		Log:        r.Redactor.Redact(output.Combined()),
		Duration:   output.Duration,
	}

	switch {
	case err != nil:
		result.Outcome = Error
		result.Log += r.Redactor.Redact(err.Error()) + "\n"
		if errors.Is(err, remote.ErrUnreachable) || ctx.Err() != nil {
			return result, err
		}
	case output.Succeeded():
		result.Outcome = Pass
	default:
		result.Outcome = Fail
	}
	return result, nil
}

func (r *Runner) record(results []Result, result Result) []Result {
	if r.OnResult != nil {
		r.OnResult(result)
	}
	return append(results, result)
}

func (r *Runner) planState(plan string, state PlanState) {
	if r.OnPlan != nil {
		r.OnPlan(plan, state)
	}
}

// Unrun is the synthetic Error recorded for cases or plans that never ran.
func Unrun(plan, reason string) Result {
	return Result{Plan: plan, Case: UnrunCase, Outcome: Error, ExitStatus: -1, Log: reason + "\n", Synthetic: true}
}

// Failed reports whether any result is a Fail or an Error.
func Failed(results []Result) bool {
	for _, result := range results {
		if result.Outcome != Pass {
			return true
		}
	}
	return false
}

// Counts tallies results by outcome.
func Counts(results []Result) (pass, fail, errored int) {
	for _, result := range results {
		switch result.Outcome {
		case Pass:
			pass++
		case Fail:
			fail++
		default:
			errored++
		}
	}
	return pass, fail, errored
}
