package processes

import (
	"os/exec"
	"syscall"
)

// sysProcAttr puts the child in its own process group so the shell and
// everything it spawns can be signalled together. Pdeathsig makes the kernel
// send SIGTERM to the direct child if vizhub dies.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// signalGroup sends sig to the child's whole process group.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	return syscall.Kill(-cmd.Process.Pid, sig)
}
