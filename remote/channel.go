// Package remote provides ordered, blocking command execution against a
// live execution target.
package remote

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"time"
)

var (
	// ErrUnreachable is returned when the transport to a target is gone.
	// Callers treat it as "no further command can succeed".
	ErrUnreachable = errors.New("target unreachable")

	// ErrCommandTimeout is returned when a command exceeds its deadline.
	ErrCommandTimeout = errors.New("command timed out")
)

// Command is a single script submitted to a target.
type Command struct {
	Name    string
	Script  string
	Env     map[string]string
	Timeout time.Duration
}

// Result is the outcome of a command that ran to completion. A non-zero
// ExitStatus is not an error.
type Result struct {
	ExitStatus int
	Stdout     string
	Stderr     string
	Duration   time.Duration
}

// Succeeded reports whether the command exited with status zero.
func (r Result) Succeeded() bool {
	return r.ExitStatus == 0
}

// Combined returns stdout followed by stderr, newline terminated.
func (r Result) Combined() string {
	combined := r.Stdout + r.Stderr
	if len(combined) > 0 && combined[len(combined)-1] != '\n' {
		combined += "\n"
	}
	return combined
}

// Channel executes commands on one target. Implementations need not be
// safe for concurrent use; wrap them in Serial.
type Channel interface {
	// Run executes cmd and blocks until it exits. The error is non-nil
	// only when the command could not be run to completion.
	Run(ctx context.Context, cmd Command) (Result, error)
	// Upload writes the contents of r to path on the target.
	Upload(ctx context.Context, path string, r io.Reader) error
	// Download copies the file at path on the target into w.
	Download(ctx context.Context, path string, w io.Writer) error
	// Close releases the transport. It does not tear down the target.
	Close() error
}

// envPrefix renders env as shell export statements in a stable order.
func envPrefix(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		b.WriteString("export ")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(Quote(env[key]))
		b.WriteString("\n")
	}
	return b.String()
}

// Quote returns s as a single-quoted POSIX shell word.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
