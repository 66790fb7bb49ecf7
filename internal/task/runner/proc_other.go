//go:build !unix

package runner

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

// No group signalling here; terminate and kill both end the direct child.
func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) error { return terminate(cmd) }
