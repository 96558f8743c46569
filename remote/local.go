package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Local runs commands with bash on the orchestrator's own host, inside a
// work directory. It backs bare-runner targets.
type Local struct {
	// Dir is the working directory for commands and the base for
	// relative Upload/Download paths.
	Dir string
	// Stream, when non-nil, receives a copy of stdout and stderr as the
	// command produces them.
	Stream io.Writer
}

// NewLocal returns a Local channel rooted at dir.
func NewLocal(dir string) *Local {
	return &Local{Dir: dir}
}

// Run executes cmd via bash -c and captures its output.
func (l *Local) Run(ctx context.Context, cmd Command) (Result, error) {
	start := time.Now()
	shell := exec.CommandContext(ctx, "bash", "-c", envPrefix(cmd.Env)+cmd.Script)
	shell.Dir = l.Dir
	configureProcessGroup(shell)

	var stdout, stderr bytes.Buffer
	stdoutWriters := []io.Writer{&stdout}
	stderrWriters := []io.Writer{&stderr}
	if l.Stream != nil {
		stdoutWriters = append(stdoutWriters, l.Stream)
		stderrWriters = append(stderrWriters, l.Stream)
	}
	shell.Stdout = io.MultiWriter(stdoutWriters...)
	shell.Stderr = io.MultiWriter(stderrWriters...)

	err := shell.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return result, nil
	}

	if ctx.Err() != nil {
		result.ExitStatus = -1
		return result, fmt.Errorf("%s: %w", cmd.Name, ctx.Err())
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		result.ExitStatus = exitError.ExitCode()
		return result, nil
	}
	result.ExitStatus = -1
	return result, fmt.Errorf("%s: %w", cmd.Name, err)
}

// Upload writes r to path, creating parent directories.
func (l *Local) Upload(ctx context.Context, path string, r io.Reader) error {
	path = l.resolve(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := io.Copy(file, contextReader{ctx: ctx, r: r}); err != nil {
		file.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return file.Close()
}

// Download copies path into w.
func (l *Local) Download(ctx context.Context, path string, w io.Writer) error {
	file, err := os.Open(l.resolve(path))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	if _, err := io.Copy(w, contextReader{ctx: ctx, r: file}); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

// Close is a no-op; the work directory belongs to the target.
func (l *Local) Close() error {
	return nil
}

func (l *Local) resolve(path string) string {
	if filepath.IsAbs(path) || l.Dir == "" {
		return path
	}
	return filepath.Join(l.Dir, path)
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
