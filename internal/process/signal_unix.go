//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// Signal delivers sig to pid.
func Signal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// configureSysProcAttr places the worker in its own process group so terminal
// signals aimed at the host do not reach it.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
