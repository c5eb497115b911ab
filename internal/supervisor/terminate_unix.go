//go:build !windows

package supervisor

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

// terminateProcess asks the companion to exit cooperatively.
func terminateProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(unix.SIGTERM)
}
