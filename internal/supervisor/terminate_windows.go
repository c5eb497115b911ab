//go:build windows

package supervisor

import "os/exec"

// terminateProcess ends the companion. Windows has no cooperative signal
// for console-less child processes, so this is a hard stop.
func terminateProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
