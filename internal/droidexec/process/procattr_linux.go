//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the droid in its own process group so its tool
// subprocesses are signalled together. Pdeathsig stops the droid if we die
// without terminating it.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
