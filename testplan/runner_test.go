package testplan

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"ciorch/remote"
	"ciorch/remote/remotetest"
)

func plan(name string, scripts ...string) *Plan {
	p := &Plan{Name: name}
	for i, script := range scripts {
		p.Cases = append(p.Cases, Case{Name: fmt.Sprintf("case%d", i+1), Run: script})
	}
	return p
}

func summarize(results []Result) []string {
	lines := make([]string, len(results))
	for i, r := range results {
		lines[i] = r.Plan + "/" + r.Case + "=" + string(r.Outcome)
	}
	return lines
}

func TestExecuteContinuesPastFailingPlan(t *testing.T) {
	t.Parallel()

	channel := remotetest.New().Fail("p1-bad", 1, "assertion failed")
	plans := []*Plan{
		plan("P1", "p1-good", "p1-bad", "p1-after"),
		plan("P2", "p2-good"),
	}

	results := (&Runner{}).Execute(context.Background(), channel, plans)

	want := []string{"P1/case1=pass", "P1/case2=fail", "P1/case3=pass", "P2/case1=pass"}
	if got := summarize(results); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("results = %v, want %v", got, want)
	}
	if !Failed(results) {
		t.Error("Failed() = false, want true when any case fails")
	}
	if !strings.Contains(results[1].Log, "assertion failed") {
		t.Errorf("failing case log = %q", results[1].Log)
	}
	if got := channel.Commands(); strings.Join(got, ",") != "p1-good,p1-bad,p1-after,p2-good" {
		t.Errorf("commands = %v", got)
	}
}

func TestExecuteAllPass(t *testing.T) {
	t.Parallel()

	results := (&Runner{}).Execute(context.Background(), remotetest.New(), []*Plan{plan("P", "a", "b")})
	if Failed(results) {
		t.Errorf("Failed() = true for %v", summarize(results))
	}
	pass, fail, errored := Counts(results)
	if pass != 2 || fail != 0 || errored != 0 {
		t.Errorf("Counts() = %d/%d/%d", pass, fail, errored)
	}
}

func TestExecuteUnreachableEmitsSyntheticErrors(t *testing.T) {
	t.Parallel()

	channel := remotetest.New()
	channel.BreakAfter = 2
	plans := []*Plan{
		plan("P1", "one", "two", "three", "four"),
		plan("P2", "five"),
		plan("P3", "six"),
	}

	var states []string
	runner := &Runner{OnPlan: func(plan string, state PlanState) {
		states = append(states, plan+":"+string(state))
	}}
	results := runner.Execute(context.Background(), channel, plans)

	want := []string{
		"P1/case1=pass",
		"P1/case2=pass",
		"P1/case3=error",
		"P1/" + UnrunCase + "=error",
		"P2/" + UnrunCase + "=error",
		"P3/" + UnrunCase + "=error",
	}
	if got := summarize(results); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("results = %v, want %v", got, want)
	}
	for _, r := range results[3:] {
		if !r.Synthetic {
			t.Errorf("%s/%s should be synthetic", r.Plan, r.Case)
		}
	}
	if !strings.Contains(results[3].Log, "1 remaining case(s)") {
		t.Errorf("remainder log = %q", results[3].Log)
	}
	if len(channel.Commands()) != 2 {
		t.Errorf("commands issued = %v, want none after the target was lost", channel.Commands())
	}
	if states[len(states)-1] != "P3:completed" {
		t.Errorf("plan states = %v", states)
	}
}

func TestExecuteCommandTimeoutIsErrorAndContinues(t *testing.T) {
	t.Parallel()

	channel := remotetest.New().On("slow", remotetest.Response{
		Result: remote.Result{ExitStatus: -1},
		Err:    fmt.Errorf("P/case1 after 1s: %w", remote.ErrCommandTimeout),
	})
	results := (&Runner{}).Execute(context.Background(), channel, []*Plan{plan("P", "slow", "fast")})

	want := []string{"P/case1=error", "P/case2=pass"}
	if got := summarize(results); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("results = %v, want %v", got, want)
	}
}

func TestExecuteRedactsSecrets(t *testing.T) {
	t.Parallel()

	channel := remotetest.New().On("push", remotetest.Response{
		Result: remote.Result{ExitStatus: 1, Stderr: "auth failed for token hunter2\n"},
	})
	runner := &Runner{
		Env:      map[string]string{"REGISTRY_TOKEN": "hunter2"},
		Redactor: remote.NewRedactor("hunter2"),
	}
	results := runner.Execute(context.Background(), channel, []*Plan{plan("P", "push")})
	if strings.Contains(results[0].Log, "hunter2") {
		t.Errorf("secret leaked into log: %q", results[0].Log)
	}
	if !strings.Contains(results[0].Log, remote.Redacted) {
		t.Errorf("log = %q, want redaction marker", results[0].Log)
	}
}

func TestExecuteNoPlans(t *testing.T) {
	t.Parallel()

	results := (&Runner{}).Execute(context.Background(), remotetest.New(), nil)
	if len(results) != 0 || Failed(results) {
		t.Errorf("results = %v", results)
	}
}

func TestExecuteRecordsUnloadedPlan(t *testing.T) {
	t.Parallel()

	plans := []*Plan{
		plan("P1", "one"),
		{Name: "broken", Err: fmt.Errorf("reading test plan broken.yaml: no such file")},
		plan("P2", "two"),
	}
	channel := remotetest.New()
	results := (&Runner{}).Execute(context.Background(), channel, plans)

	want := []string{"P1/case1=pass", "broken/" + UnrunCase + "=error", "P2/case1=pass"}
	if got := summarize(results); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("results = %v, want %v", got, want)
	}
	if !results[1].Synthetic || !strings.Contains(results[1].Log, "no such file") {
		t.Errorf("broken plan result = %+v", results[1])
	}
	if got := channel.Commands(); strings.Join(got, ",") != "one,two" {
		t.Errorf("commands = %v", got)
	}
}
