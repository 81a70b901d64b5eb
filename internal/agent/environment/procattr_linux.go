//go:build linux

package environment

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the command in its own process group so signals reach
// all child processes. Pdeathsig kills the child if this process dies
// without a clean shutdown.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
