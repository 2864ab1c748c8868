//go:build windows

package tool

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

// Windows has no SIGTERM; both steps kill the process.
func terminateGroup(cmd *exec.Cmd) error { return killGroup(cmd) }

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
