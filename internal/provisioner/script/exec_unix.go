//go:build unix

package script

import (
	"os/exec"
	"syscall"
)

// killProcessGroup runs the script in its own process group and kills the
// whole group on cancellation, so shells do not leave children behind.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
