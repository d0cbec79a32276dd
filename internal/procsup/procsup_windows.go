//go:build windows

package procsup

import (
	"os/exec"
	"syscall"
)

// setProcessGroup is a no-op on Windows; job objects would be the
// equivalent primitive but are out of scope for this single-host scheduler.
func setProcessGroup(cmd *exec.Cmd) {}

// signalGroup best-effort kills the process itself; Windows has no POSIX
// process-group signal semantics.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
