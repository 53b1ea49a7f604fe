//go:build !windows

package supervisor

import "syscall"

func sendSignal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}
