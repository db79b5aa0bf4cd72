//go:build windows

package supervisor

import (
	"os/exec"
	"syscall"
)

func setpgid(cmd *exec.Cmd) {}

// signalGroup has no process-group equivalent on windows; Stop falls
// back to killing the direct child only.
func signalGroup(pid int, sig syscall.Signal) error {
	return nil
}

const sigterm = syscall.Signal(0)
const sigkill = syscall.Signal(9)
