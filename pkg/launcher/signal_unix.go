//go:build !windows

package launcher

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr places the child in its own process group so terminal signals reach the
// runner only and termination can target the whole group
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcess(p *os.Process) error {
	if err := unix.Kill(-p.Pid, unix.SIGTERM); err != nil {
		return p.Signal(unix.SIGTERM)
	}
	return nil
}

func killProcess(p *os.Process) error {
	if err := unix.Kill(-p.Pid, unix.SIGKILL); err != nil {
		return p.Kill()
	}
	return nil
}
