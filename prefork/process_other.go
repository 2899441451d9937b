//go:build !linux

package prefork

import "syscall"

// Workers lead their own process group so a terminal ^C reaches only the
// supervisor.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
