//go:build !windows

package daemon

import (
	"os/exec"
	"syscall"
)

// configureDaemonAttrs starts the child in a new session so it has no
// controlling terminal and is not hit by signals sent to the caller's group.
func configureDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
