//go:build windows

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// setProcGroup starts the droid in a new process group so taskkill /T can
// reach its children.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// terminateProcess asks the process tree to close. Without /F, taskkill sends
// WM_CLOSE, the closest Windows equivalent of SIGTERM.
func terminateProcess(p *os.Process) error {
	return exec.Command("taskkill", "/T", "/PID", fmt.Sprintf("%d", p.Pid)).Run()
}

// killProcess force-kills the process tree.
func killProcess(p *os.Process) error {
	if err := exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", p.Pid)).Run(); err != nil {
		return p.Kill()
	}
	return nil
}

func exitInfo(_ *exec.Cmd, err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), ""
	}
	return -1, ""
}
