// SPDX-License-Identifier: Apache-2.0

//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
)

// isolate puts the child in its own process group so a timeout kills the
// whole tree, not just the direct child.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
