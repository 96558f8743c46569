package remote_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"ciorch/remote"
	"ciorch/remote/remotetest"
)

func dialTestServer(t *testing.T) *remote.SSH {
	t.Helper()

	server := remotetest.StartSSHServer(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := remote.DialSSH(ctx, server.Addr, &ssh.ClientConfig{
		User:            "ci",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
	if err != nil {
		t.Fatalf("DialSSH() error = %v", err)
	}
	channel := remote.NewSSH(client, t.TempDir())
	t.Cleanup(func() { channel.Close() })
	return channel
}

func TestSSHRun(t *testing.T) {
	t.Parallel()

	channel := dialTestServer(t)
	ctx := context.Background()

	result, err := channel.Run(ctx, remote.Command{
		Name:   "greet",
		Script: `echo "hello $CI_OS"; echo warn >&2; exit 4`,
		Env:    map[string]string{"CI_OS": "debian"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ExitStatus != 4 {
		t.Errorf("ExitStatus = %d, want 4", result.ExitStatus)
	}
	if result.Stdout != "hello debian\n" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "hello debian\n")
	}
	if !strings.Contains(result.Stderr, "warn") {
		t.Errorf("Stderr = %q, want it to contain warn", result.Stderr)
	}
}

func TestSSHUploadDownload(t *testing.T) {
	t.Parallel()

	channel := dialTestServer(t)
	ctx := context.Background()

	if err := channel.Upload(ctx, "in/source.tar.gz", strings.NewReader("archive-bytes")); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	var buf bytes.Buffer
	if err := channel.Download(ctx, "in/source.tar.gz", &buf); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if buf.String() != "archive-bytes" {
		t.Errorf("Download() = %q, want %q", buf.String(), "archive-bytes")
	}
}

func TestSSHClosedClientIsUnreachable(t *testing.T) {
	t.Parallel()

	channel := dialTestServer(t)
	channel.Close()

	_, err := channel.Run(context.Background(), remote.Command{Name: "after-close", Script: "true"})
	if !errors.Is(err, remote.ErrUnreachable) {
		t.Errorf("Run() after Close error = %v, want ErrUnreachable", err)
	}
}
