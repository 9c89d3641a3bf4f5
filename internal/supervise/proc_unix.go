//go:build !windows

package supervise

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup places the child in its own process group so signals reach
// any helpers it forks (gst-launch spawns threads, not children, but shell
// wrappers do fork).
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends sig to the whole process group of pid.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := unix.Kill(-pid, unix.Signal(sig)); err != nil {
		if err == unix.ESRCH {
			return ErrAlreadyExited
		}
		return err
	}
	return nil
}
