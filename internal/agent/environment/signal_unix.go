//go:build !windows

package environment

import (
	"os/exec"
	"syscall"
)

// terminateProcess sends SIGTERM to the process group, falling back to the
// main process if the group cannot be resolved.
func terminateProcess(cmd *exec.Cmd) error {
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil {
		return syscall.Kill(-pgid, syscall.SIGTERM)
	}
	return cmd.Process.Signal(syscall.SIGTERM)
}

// killProcess sends SIGKILL to the process group, falling back to the main
// process.
func killProcess(cmd *exec.Cmd) error {
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil {
		return syscall.Kill(-pgid, syscall.SIGKILL)
	}
	return cmd.Process.Kill()
}

// exitStatus extracts exit code and signal name from a Wait error. Signal
// deaths report the conventional 128+signal code.
func exitStatus(err error) (code int, signal string) {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1, ""
	}
	waitStatus, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return 1, ""
	}
	if waitStatus.Signaled() {
		return 128 + int(waitStatus.Signal()), waitStatus.Signal().String()
	}
	return waitStatus.ExitStatus(), ""
}
