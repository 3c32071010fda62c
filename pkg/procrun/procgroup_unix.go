//go:build unix

package procrun

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcessGroup starts the command in its own process group and kills the
// whole group on cancellation, so shells spawned by the engine CLI do not
// leave orphans behind.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return err
		}
		return nil
	}
}
