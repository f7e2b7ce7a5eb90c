//go:build unix && !linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the droid in its own process group.
// Pdeathsig is Linux-only; elsewhere cleanup relies on Terminate.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
