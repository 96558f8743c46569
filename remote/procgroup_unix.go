//go:build unix

package remote

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup runs the shell in its own process group so a
// timeout kills the shell and every child it spawned.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
