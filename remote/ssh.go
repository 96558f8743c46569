package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"time"

	"golang.org/x/crypto/ssh"
)

// DialSSH opens an SSH connection to addr, honoring ctx for the TCP dial
// and the handshake.
func DialSSH(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	clientConn, channels, requests, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(clientConn, channels, requests), nil
}

// SSH runs commands on a remote host over an established SSH client.
// Each command gets its own session.
type SSH struct {
	client  *ssh.Client
	Workdir string
	Stream  io.Writer
}

// NewSSH wraps client. Commands run from workdir when it is set.
func NewSSH(client *ssh.Client, workdir string) *SSH {
	return &SSH{client: client, Workdir: workdir}
}

// Run executes cmd in a fresh session.
func (s *SSH) Run(ctx context.Context, cmd Command) (Result, error) {
	script := envPrefix(cmd.Env) + cmd.Script
	if s.Workdir != "" {
		script = "mkdir -p " + Quote(s.Workdir) + " && cd " + Quote(s.Workdir) + " || exit 1\n" + script
	}

	var stdout, stderr bytes.Buffer
	stdoutWriter, stderrWriter := io.Writer(&stdout), io.Writer(&stderr)
	if s.Stream != nil {
		stdoutWriter = io.MultiWriter(&stdout, s.Stream)
		stderrWriter = io.MultiWriter(&stderr, s.Stream)
	}

	start := time.Now()
	err := s.session(ctx, "bash -c "+Quote(script), nil, stdoutWriter, stderrWriter)
	result := Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
	if err == nil {
		return result, nil
	}
	var exitError *ssh.ExitError
	if errors.As(err, &exitError) {
		result.ExitStatus = exitError.ExitStatus()
		return result, nil
	}
	result.ExitStatus = -1
	return result, fmt.Errorf("%s: %w", cmd.Name, err)
}

// Upload streams r into target on the remote host.
func (s *SSH) Upload(ctx context.Context, target string, r io.Reader) error {
	target = s.resolve(target)
	var stderr bytes.Buffer
	script := "mkdir -p " + Quote(path.Dir(target)) + " && cat > " + Quote(target)
	if err := s.session(ctx, script, r, io.Discard, &stderr); err != nil {
		return fmt.Errorf("upload to %s: %w (%s)", target, err, stderr.String())
	}
	return nil
}

// Download copies source from the remote host into w.
func (s *SSH) Download(ctx context.Context, source string, w io.Writer) error {
	source = s.resolve(source)
	var stderr bytes.Buffer
	if err := s.session(ctx, "cat "+Quote(source), nil, w, &stderr); err != nil {
		return fmt.Errorf("download of %s: %w (%s)", source, err, stderr.String())
	}
	return nil
}

// Close closes the SSH connection.
func (s *SSH) Close() error {
	return s.client.Close()
}

func (s *SSH) resolve(p string) string {
	if path.IsAbs(p) || s.Workdir == "" {
		return p
	}
	return path.Join(s.Workdir, p)
}

// session runs one remote command. Transport failures are reported as
// ErrUnreachable; a non-zero exit is returned as *ssh.ExitError.
func (s *SSH) session(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("opening session: %v: %w", err, ErrUnreachable)
	}
	defer session.Close()

	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stderr

	if err := session.Start(command); err != nil {
		return fmt.Errorf("starting command: %v: %w", err, ErrUnreachable)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		var exitError *ssh.ExitError
		if errors.As(err, &exitError) {
			return err
		}
		return fmt.Errorf("%v: %w", err, ErrUnreachable)
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		return ctx.Err()
	}
}
