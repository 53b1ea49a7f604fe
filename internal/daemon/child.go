package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/loykin/atm/internal/detector"
	"github.com/loykin/atm/internal/pidfile"
)

// ErrClaimLost is returned by Child.Run when another live process already
// holds the slot. The caller should exit quietly.
var ErrClaimLost = errors.New("slot claimed by another process")

// Work is the long-running body of a supervised process.
type Work interface {
	Run(ctx context.Context) error
}

// Preparer is implemented by work that must acquire resources (a listener,
// a database handle) before the launcher is told the child is ready.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// WorkFunc adapts a function to Work.
type WorkFunc func(ctx context.Context) error

func (f WorkFunc) Run(ctx context.Context) error { return f(ctx) }

// Child is the in-process side of a launch: it claims the slot with its own
// pid before any work starts.
type Child struct {
	Store *pidfile.Store
	Slot  pidfile.Slot
	Meta  pidfile.Meta
	Log   *slog.Logger
}

// Run claims the slot, reports readiness, then runs work until it returns or
// SIGTERM/SIGINT arrives. The record is released on the way out.
func (c *Child) Run(ctx context.Context, work Work) error {
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	ready := openReady()
	defer ready.close()

	rec := pidfile.Record{Slot: c.Slot, PID: os.Getpid(), Meta: c.Meta}
	if rec.Meta.StartUnix == 0 {
		rec.Meta.StartUnix = detector.StartUnix(rec.PID)
	}
	if err := c.Store.Claim(rec); err != nil {
		if errors.Is(err, pidfile.ErrAlreadyClaimed) {
			ready.send(msgLost)
			log.Info("slot already taken, exiting", "error", err)
			return fmt.Errorf("%w: %v", ErrClaimLost, err)
		}
		ready.send(msgFailed + err.Error())
		return err
	}
	defer func() {
		if err := c.Store.ReleaseIf(rec); err != nil {
			log.Warn("release pid record", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer stop()

	if p, ok := work.(Preparer); ok {
		if err := p.Prepare(ctx); err != nil {
			ready.send(msgFailed + err.Error())
			return err
		}
	}
	ready.send(msgClaimed)
	ready.close()
	log.Info("started", "pid", rec.PID)

	err := work.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("work failed", "error", err)
		return err
	}
	log.Info("stopped")
	return nil
}

// readyPipe is the write end handed over by the launcher. A child started by
// hand has none and every call is a no-op.
type readyPipe struct {
	w io.WriteCloser
}

func openReady() *readyPipe {
	v := os.Getenv(ReadyFDEnv)
	if v == "" {
		return &readyPipe{}
	}
	_ = os.Unsetenv(ReadyFDEnv)
	fd, err := strconv.Atoi(v)
	if err != nil || fd < 3 {
		return &readyPipe{}
	}
	f := os.NewFile(uintptr(fd), "ready")
	if f == nil {
		return &readyPipe{}
	}
	return &readyPipe{w: f}
}

func (p *readyPipe) send(msg string) {
	if p.w == nil {
		return
	}
	_, _ = io.WriteString(p.w, msg+"\n")
}

func (p *readyPipe) close() {
	if p.w == nil {
		return
	}
	_ = p.w.Close()
	p.w = nil
}
