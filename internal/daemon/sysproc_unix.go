//go:build !windows

package daemon

import "syscall"

// detachSysProcAttr starts the background child in its own session so it
// survives the parent's exit and isn't killed by the terminal's controlling
// process group.
func detachSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
