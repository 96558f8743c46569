package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path"
	"time"

	"github.com/google/uuid"
)

// runtimeFailureStatus is the exit code docker and podman use for errors
// in the runtime itself (container gone, daemon down) rather than in the
// executed command.
const runtimeFailureStatus = 125

// commandMarker tags the environment of every process started by Run so a
// cancelled command can be found and killed inside the container.
const commandMarker = "CIORCH_COMMAND"

// killTimeout bounds the cleanup exec that kills a cancelled command.
const killTimeout = 10 * time.Second

// Container runs commands inside a running container through the
// container runtime CLI (docker or podman).
type Container struct {
	Runtime string
	ID      string
	Workdir string
	Stream  io.Writer
}

// NewContainer returns a channel for container id managed by runtime.
func NewContainer(runtime, id, workdir string) *Container {
	return &Container{Runtime: runtime, ID: id, Workdir: workdir}
}

// Run executes cmd with bash inside the container. Killing the runtime
// client does not stop the process inside the container, so when ctx ends
// first every process tagged with this command's marker is killed before
// Run returns.
func (c *Container) Run(ctx context.Context, cmd Command) (Result, error) {
	token := uuid.NewString()
	args := []string{"exec", "-i", "-e", commandMarker + "=" + token}
	if c.Workdir != "" {
		args = append(args, "-w", c.Workdir)
	}
	args = append(args, c.ID, "bash", "-c", envPrefix(cmd.Env)+cmd.Script)
	result, err := c.exec(ctx, cmd.Name, args, nil, nil)
	if ctx.Err() != nil {
		c.kill(context.WithoutCancel(ctx), token)
	}
	return result, err
}

// kill sends SIGKILL to every process in the container whose environment
// carries token. It reads /proc directly so it works in minimal images.
func (c *Container) kill(ctx context.Context, token string) {
	ctx, cancel := context.WithTimeout(ctx, killTimeout)
	defer cancel()
	_ = exec.CommandContext(ctx, c.Runtime, "exec", c.ID, "sh", "-c", killScript(token)).Run()
}

func killScript(token string) string {
	marker := Quote(commandMarker + "=" + token)
	return `for p in /proc/[0-9]*; do ` +
		`if tr '\0' '\n' < "$p/environ" 2>/dev/null | grep -qx ` + marker + `; then kill -9 "${p#/proc/}" 2>/dev/null; fi; ` +
		`done; true`
}

// Upload streams r into path inside the container.
func (c *Container) Upload(ctx context.Context, target string, r io.Reader) error {
	target = c.resolve(target)
	script := "mkdir -p " + Quote(path.Dir(target)) + " && cat > " + Quote(target)
	result, err := c.exec(ctx, "upload", []string{"exec", "-i", c.ID, "sh", "-c", script}, r, nil)
	if err != nil {
		return err
	}
	if !result.Succeeded() {
		return fmt.Errorf("upload to %s exited %d: %s", target, result.ExitStatus, result.Stderr)
	}
	return nil
}

// Download copies path from the container into w.
func (c *Container) Download(ctx context.Context, source string, w io.Writer) error {
	source = c.resolve(source)
	result, err := c.exec(ctx, "download", []string{"exec", c.ID, "cat", source}, nil, w)
	if err != nil {
		return err
	}
	if !result.Succeeded() {
		return fmt.Errorf("download of %s exited %d: %s", source, result.ExitStatus, result.Stderr)
	}
	return nil
}

// Close is a no-op; the container is removed by its provisioner.
func (c *Container) Close() error {
	return nil
}

func (c *Container) resolve(p string) string {
	if path.IsAbs(p) || c.Workdir == "" {
		return p
	}
	return path.Join(c.Workdir, p)
}

func (c *Container) exec(ctx context.Context, name string, args []string, stdin io.Reader, stdoutSink io.Writer) (Result, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, c.Runtime, args...)
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	if stdoutSink != nil {
		cmd.Stdout = stdoutSink
	} else if c.Stream != nil {
		cmd.Stdout = io.MultiWriter(&stdout, c.Stream)
	} else {
		cmd.Stdout = &stdout
	}
	if c.Stream != nil {
		cmd.Stderr = io.MultiWriter(&stderr, c.Stream)
	} else {
		cmd.Stderr = &stderr
	}

	err := cmd.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		result.ExitStatus = -1
		return result, fmt.Errorf("%s: %w", name, ctx.Err())
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		result.ExitStatus = exitError.ExitCode()
		if result.ExitStatus == runtimeFailureStatus {
			return result, fmt.Errorf("%s in container %s: %s: %w", name, c.ID, result.Stderr, ErrUnreachable)
		}
		return result, nil
	}
	result.ExitStatus = -1
	return result, fmt.Errorf("%s: %w", name, err)
}
