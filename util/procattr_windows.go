package util

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// SetDetachedProcAttr configures cmd to run detached from the parent, so it survives
// the parent terminating.
func SetDetachedProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP | windows.DETACHED_PROCESS,
	}
}
