//go:build windows

package supervisor

import (
	"os"
	"syscall"
)

// sendSignal terminates pid; Windows has no graceful signal for detached
// processes, so SIGTERM and SIGKILL both end the process.
func sendSignal(pid int, sig syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return syscall.ESRCH
	}
	if sig == 0 {
		return nil
	}
	return p.Kill()
}
