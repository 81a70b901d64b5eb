//go:build windows

package environment

import (
	"os/exec"
)

// setProcGroup is a no-op on Windows; there is no process-group signalling.
func setProcGroup(cmd *exec.Cmd) {}

// terminateProcess has no graceful signal on Windows and kills directly.
func terminateProcess(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func killProcess(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func exitStatus(err error) (code int, signal string) {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), ""
	}
	return 1, ""
}
