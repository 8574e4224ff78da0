//go:build windows

package daemon

import "syscall"

// detachSysProcAttr has no detach equivalent wired on Windows; the daemon's
// POSIX signal-zero liveness probe (IsAlive) and PID-based stop already
// make the feature set unix-only in practice.
func detachSysProcAttr() *syscall.SysProcAttr {
	return nil
}
