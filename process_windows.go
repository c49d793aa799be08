//go:build windows

package conductor

import "os/exec"

func setProcGroup(*exec.Cmd) {}

// Windows has no graceful termination signal for console-less children;
// both phases kill the process directly.
func terminateProcess(cmd *exec.Cmd) { _ = cmd.Process.Kill() }

func killProcess(cmd *exec.Cmd) { _ = cmd.Process.Kill() }
