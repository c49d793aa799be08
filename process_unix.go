//go:build unix

package conductor

import (
	"os/exec"
	"syscall"
)

// setProcGroup places the child in its own process group so Stop can
// signal the whole group.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	pid := cmd.Process.Pid
	target := pid
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		target = -pgid
	}
	_ = syscall.Kill(target, sig)
}

func terminateProcess(cmd *exec.Cmd) { signalGroup(cmd, syscall.SIGTERM) }

func killProcess(cmd *exec.Cmd) { signalGroup(cmd, syscall.SIGKILL) }
