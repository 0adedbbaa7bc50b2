//go:build !windows

package util

import (
	"os/exec"
	"syscall"
)

// SetDetachedProcAttr configures cmd to run in a new session, so it survives the parent
// terminating.
func SetDetachedProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
