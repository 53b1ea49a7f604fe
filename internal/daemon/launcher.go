package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/atm/internal/logger"
	"github.com/loykin/atm/internal/pidfile"
)

// ReadyFDEnv tells a launched child which inherited descriptor carries the
// readiness pipe.
const ReadyFDEnv = "ATM_READY_FD"

// DefaultReadyTimeout bounds how long Launch waits for the child's claim.
const DefaultReadyTimeout = 10 * time.Second

const (
	msgClaimed = "claimed"
	msgLost    = "lost"
	msgFailed  = "failed: "
)

// Launcher starts detached copies of the atm binary, one per slot.
type Launcher struct {
	// Executable defaults to the running binary.
	Executable string
	// Dir is the working directory of children.
	Dir string
	// Env is the child environment; nil inherits the current one.
	Env []string
	// Log decides where raw child output goes.
	Log          logger.Config
	ReadyTimeout time.Duration
}

// Request describes one child. Args must carry the slot role's signature so
// the process can later be recognised in the process table.
type Request struct {
	Slot pidfile.Slot
	Args []string
}

// Outcome reports what the child did with its claim.
type Outcome struct {
	Slot    pidfile.Slot
	PID     int
	Claimed bool
}

// Launch detaches a child and waits only until it has claimed (or lost) its
// slot. The child's work continues after Launch returns.
func (l *Launcher) Launch(ctx context.Context, req Request) (Outcome, error) {
	out := Outcome{Slot: req.Slot}
	if !hasSignature(req.Args, req.Slot.Role.Signature()) {
		return out, fmt.Errorf("launch %s: arguments lack signature %q", req.Slot, req.Slot.Role.Signature())
	}
	exe := l.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return out, fmt.Errorf("failed to get executable path: %w", err)
		}
	}
	if l.Dir != "" {
		if err := os.MkdirAll(l.Dir, 0o750); err != nil {
			return out, fmt.Errorf("launch %s: %w", req.Slot, err)
		}
	}

	output, err := l.Log.OpenOutput(req.Slot.Name())
	if err != nil {
		return out, fmt.Errorf("launch %s: open output: %w", req.Slot, err)
	}
	defer func() { _ = output.Close() }()

	r, w, err := os.Pipe()
	if err != nil {
		return out, fmt.Errorf("launch %s: %w", req.Slot, err)
	}
	defer func() { _ = r.Close() }()

	env := l.Env
	if env == nil {
		env = os.Environ()
	}
	// #nosec G204
	cmd := exec.Command(exe, req.Args...)
	cmd.Dir = l.Dir
	cmd.Env = append(append([]string{}, env...), ReadyFDEnv+"=3")
	cmd.Stdin = nil
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.ExtraFiles = []*os.File{w}
	configureDaemonAttrs(cmd)

	if err := cmd.Start(); err != nil {
		_ = w.Close()
		return out, fmt.Errorf("failed to start %s: %w", req.Slot, err)
	}
	_ = w.Close()
	out.PID = cmd.Process.Pid

	timeout := l.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	msg, err := readReady(ctx, r, timeout)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return out, fmt.Errorf("launch %s (pid %d): %w", req.Slot, out.PID, err)
	}
	switch {
	case msg == msgClaimed:
		out.Claimed = true
		// reap in the background; the child outlives a short-lived parent anyway
		go func() { _ = cmd.Wait() }()
		return out, nil
	case msg == msgLost:
		_ = cmd.Wait()
		return out, nil
	case strings.HasPrefix(msg, msgFailed):
		_ = cmd.Wait()
		return out, fmt.Errorf("launch %s (pid %d): %s", req.Slot, out.PID, strings.TrimPrefix(msg, msgFailed))
	default:
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return out, fmt.Errorf("launch %s (pid %d): unexpected readiness message %q", req.Slot, out.PID, msg)
	}
}

func readReady(ctx context.Context, r io.Reader, timeout time.Duration) (string, error) {
	type line struct {
		s   string
		err error
	}
	ch := make(chan line, 1)
	go func() {
		s, err := bufio.NewReader(r).ReadString('\n')
		ch <- line{strings.TrimSpace(s), err}
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l := <-ch:
		if l.s != "" {
			return l.s, nil
		}
		if l.err == nil || errors.Is(l.err, io.EOF) {
			return "", errors.New("exited before reporting readiness")
		}
		return "", l.err
	case <-timer.C:
		return "", fmt.Errorf("no readiness report within %s", timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func hasSignature(args []string, sig string) bool {
	for _, a := range args {
		if strings.Contains(a, sig) {
			return true
		}
	}
	return false
}
