//go:build !unix

package remote

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}
