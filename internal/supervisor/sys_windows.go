//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

func configureSysProcAttr(_ *exec.Cmd) {}

// terminateGroup asks the child to exit. Windows has no SIGTERM; Kill is the
// closest available behavior.
func terminateGroup(pid int) error { return killByPID(pid) }

func killGroup(pid int) error { return killByPID(pid) }

func killByPID(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}
