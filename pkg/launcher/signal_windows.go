//go:build windows

package launcher

import (
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// Windows has no termination signal for console children; Kill is the only option
func terminateProcess(p *os.Process) error {
	return p.Kill()
}

func killProcess(p *os.Process) error {
	return p.Kill()
}
