package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/loykin/atm/internal/daemon"
	"github.com/loykin/atm/internal/detector"
	"github.com/loykin/atm/internal/history"
	"github.com/loykin/atm/internal/pidfile"
)

// ErrSignalDenied is returned when the OS refuses to deliver a stop signal.
// The slot's record is left in place.
var ErrSignalDenied = errors.New("not permitted to signal process")

const (
	DefaultStopGrace    = 10 * time.Second
	DefaultKillGrace    = 2 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
)

// Spawner launches one supervised child. *daemon.Launcher implements it.
type Spawner interface {
	Launch(ctx context.Context, req daemon.Request) (daemon.Outcome, error)
}

// Options are shared by the worker and server supervisors.
type Options struct {
	Store   *pidfile.Store
	Checker *detector.Checker
	Spawner Spawner
	// StopGrace is how long a process gets to exit after SIGTERM.
	StopGrace time.Duration
	// KillGrace is how long to wait for exit after SIGKILL.
	KillGrace    time.Duration
	PollInterval time.Duration
	History      *history.Recorder
	Log          *slog.Logger
}

// StopReport describes one terminated slot.
type StopReport struct {
	Slot   pidfile.Slot
	PID    int
	Killed bool // SIGKILL was needed
}

type base struct {
	store   *pidfile.Store
	checker *detector.Checker
	spawner Spawner
	stopGr  time.Duration
	killGr  time.Duration
	poll    time.Duration
	hist    *history.Recorder
	log     *slog.Logger
	signal  func(pid int, sig syscall.Signal) error
}

func newBase(o Options) base {
	b := base{
		store:   o.Store,
		checker: o.Checker,
		spawner: o.Spawner,
		stopGr:  o.StopGrace,
		killGr:  o.KillGrace,
		poll:    o.PollInterval,
		hist:    o.History,
		log:     o.Log,
		signal:  sendSignal,
	}
	if b.checker == nil {
		b.checker = detector.NewChecker(nil)
	}
	if b.stopGr <= 0 {
		b.stopGr = DefaultStopGrace
	}
	if b.killGr <= 0 {
		b.killGr = DefaultKillGrace
	}
	if b.poll <= 0 {
		b.poll = DefaultPollInterval
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	return b
}

// observe reads and checks one slot. A stale record is released before
// returning, so the result doubles as the report of that cleanup.
func (b *base) observe(ctx context.Context, slot pidfile.Slot) (detector.Result, error) {
	rec, err := b.store.Read(slot)
	switch {
	case errors.Is(err, pidfile.ErrNotFound):
		return detector.Result{Slot: slot, State: detector.NotRunning}, nil
	case errors.Is(err, pidfile.ErrCorrupt):
		b.log.Warn("removing unreadable pid record", "slot", slot.Name(), "error", err)
		if err := b.store.ReleaseCorrupt(slot); err != nil {
			return detector.Result{}, err
		}
		return detector.Result{Slot: slot, State: detector.Stale, Reason: "unreadable record"}, nil
	case err != nil:
		return detector.Result{}, fmt.Errorf("read %s: %w", slot, err)
	}

	res := b.checker.Check(rec)
	if res.State == detector.Running && res.Reason != "" {
		b.log.Warn("pid record only partly verified", "slot", slot.Name(), "pid", rec.PID, "reason", res.Reason)
	}
	if res.State == detector.Stale {
		b.log.Warn("removing stale pid record", "slot", slot.Name(), "pid", rec.PID, "reason", res.Reason)
		if err := b.store.ReleaseIf(rec); err != nil {
			return detector.Result{}, err
		}
		b.hist.Record(ctx, history.Event{Type: history.EventStale, Slot: slot.Name(), PID: rec.PID, Detail: res.Reason})
	}
	return res, nil
}

// terminate stops the process behind rec: SIGTERM, wait, SIGKILL, wait.
// The record is released only once the process is confirmed gone.
func (b *base) terminate(ctx context.Context, rec pidfile.Record) (StopReport, error) {
	rep := StopReport{Slot: rec.Slot, PID: rec.PID}
	gone, err := b.deliver(rec, syscall.SIGTERM)
	if err != nil {
		return rep, err
	}
	if !gone && !b.waitExit(ctx, rec, b.stopGr) {
		b.log.Warn("grace period expired, killing", "slot", rec.Slot.Name(), "pid", rec.PID, "grace", b.stopGr)
		rep.Killed = true
		if gone, err = b.deliver(rec, syscall.SIGKILL); err != nil {
			return rep, err
		}
		if !gone && !b.waitExit(ctx, rec, b.killGr) {
			return rep, fmt.Errorf("%s (pid %d) still alive after SIGKILL", rec.Slot, rec.PID)
		}
	}
	if err := b.store.ReleaseIf(rec); err != nil {
		return rep, err
	}
	ev := history.Event{Type: history.EventStop, Slot: rec.Slot.Name(), PID: rec.PID, Endpoint: rec.Meta.Endpoint}
	if rep.Killed {
		ev.Type = history.EventKill
	}
	b.hist.Record(ctx, ev)
	return rep, nil
}

// deliver sends sig; gone reports that the process had already exited.
func (b *base) deliver(rec pidfile.Record, sig syscall.Signal) (gone bool, err error) {
	err = b.signal(rec.PID, sig)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, syscall.ESRCH):
		return true, nil
	case errors.Is(err, syscall.EPERM):
		return false, fmt.Errorf("%w: %s (pid %d)", ErrSignalDenied, rec.Slot, rec.PID)
	default:
		return false, fmt.Errorf("signal %s (pid %d): %w", rec.Slot, rec.PID, err)
	}
}

func (b *base) waitExit(ctx context.Context, rec pidfile.Record, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if b.checker.Check(rec).State != detector.Running {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(b.poll):
		}
	}
}
