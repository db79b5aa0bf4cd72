//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setpgid configures cmd so its child becomes its own process group
// leader, letting a forceful stop reap grandchildren the supervised
// command spawned instead of only the direct child.
func setpgid(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends sig to the process group rooted at pid.
func signalGroup(pid int, sig syscall.Signal) error {
	return unix.Kill(-pid, sig)
}

const sigterm = syscall.SIGTERM
const sigkill = syscall.SIGKILL
