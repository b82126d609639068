//go:build !windows

package worker

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcess(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGTERM)
}

func killProcess(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGKILL)
}

// signalGroup signals the daemon's process group so children it spawned
// go down with it. The daemon leads its own group, so the group id is its
// pid, and that id stays reserved while any member is alive.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	return unix.Kill(-cmd.Process.Pid, sig)
}
