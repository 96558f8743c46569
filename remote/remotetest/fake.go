// Package remotetest provides a scripted remote.Channel for tests.
package remotetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"ciorch/remote"
)

// Response is what the fake returns for a matching command.
type Response struct {
	Result remote.Result
	Err    error
}

// Fake records every command and answers from a table of responses
// keyed by a substring of the script. Unmatched commands succeed with
// their script echoed as stdout.
type Fake struct {
	mu        sync.Mutex
	responses []match
	commands  []remote.Command
	files     map[string][]byte
	closed    bool

	// Unreachable, once set, makes every later call fail with
	// remote.ErrUnreachable.
	Unreachable bool
	// BreakAfter, when positive, flips Unreachable after that many Run calls.
	BreakAfter int
}

type match struct {
	substring string
	response  Response
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{files: make(map[string][]byte)}
}

// On registers a response for scripts containing substring. Earlier
// registrations win.
func (f *Fake) On(substring string, response Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, match{substring: substring, response: response})
	return f
}

// Fail registers a non-zero exit for scripts containing substring.
func (f *Fake) Fail(substring string, status int, stderr string) *Fake {
	return f.On(substring, Response{Result: remote.Result{ExitStatus: status, Stderr: stderr}})
}

// Run implements remote.Channel.
func (f *Fake) Run(ctx context.Context, cmd remote.Command) (remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unreachable {
		return remote.Result{ExitStatus: -1}, fmt.Errorf("%s: %w", cmd.Name, remote.ErrUnreachable)
	}
	f.commands = append(f.commands, cmd)
	if f.BreakAfter > 0 && len(f.commands) >= f.BreakAfter {
		f.Unreachable = true
	}
	if err := ctx.Err(); err != nil {
		return remote.Result{ExitStatus: -1}, err
	}
	for _, m := range f.responses {
		if strings.Contains(cmd.Script, m.substring) {
			return m.response.Result, m.response.Err
		}
	}
	return remote.Result{Stdout: cmd.Script + "\n"}, nil
}

// Upload implements remote.Channel by storing the content in memory.
func (f *Fake) Upload(ctx context.Context, path string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unreachable {
		return remote.ErrUnreachable
	}
	f.files[path] = data
	return nil
}

// Download implements remote.Channel from previously uploaded or seeded files.
func (f *Fake) Download(ctx context.Context, path string, w io.Writer) error {
	f.mu.Lock()
	data, ok := f.files[path]
	unreachable := f.Unreachable
	f.mu.Unlock()
	if unreachable {
		return remote.ErrUnreachable
	}
	if !ok {
		return fmt.Errorf("no such file: %s", path)
	}
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

// Close implements remote.Channel.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// SetFile seeds a file for Download.
func (f *Fake) SetFile(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
}

// File returns an uploaded file.
func (f *Fake) File(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	return data, ok
}

// Commands returns the scripts run so far, in order.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	scripts := make([]string, len(f.commands))
	for i, cmd := range f.commands {
		scripts[i] = cmd.Script
	}
	return scripts
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
