package prefork

import "syscall"

// Workers lead their own process group so a terminal ^C reaches only the
// supervisor, and get SIGTERM if the supervisor dies first.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
