//go:build unix && !linux

package environment

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the command in its own process group so signals reach
// all child processes. Pdeathsig is Linux-only; on other unixes orphan
// cleanup relies on explicit signalling.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
