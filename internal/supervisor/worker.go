package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/loykin/atm/internal/daemon"
	"github.com/loykin/atm/internal/detector"
	"github.com/loykin/atm/internal/history"
	"github.com/loykin/atm/internal/pidfile"
)

// DefaultMaxWorkers caps the index range Start will walk.
const DefaultMaxWorkers = 256

// Status is a point-in-time view of a set of slots, ordered by index.
type Status struct {
	Results []detector.Result
}

func (s Status) filter(st detector.State) []detector.Result {
	var out []detector.Result
	for _, r := range s.Results {
		if r.State == st {
			out = append(out, r)
		}
	}
	return out
}

func (s Status) Running() []detector.Result { return s.filter(detector.Running) }

// Stale lists slots whose record was found dead and has been cleared.
func (s Status) Stale() []detector.Result { return s.filter(detector.Stale) }

func (s Status) Absent() []detector.Result { return s.filter(detector.NotRunning) }

// StartReport lists what Start did.
type StartReport struct {
	Started []detector.Result
	Cleared []detector.Result // stale records removed on the way
	Lost    []pidfile.Slot    // slots taken by a concurrent start
}

// StopTarget selects which running workers Stop terminates.
type StopTarget struct {
	All   bool
	Count int
}

// WorkerSupervisor manages the pool of worker slots.
type WorkerSupervisor struct {
	base
	args       func(index int) []string
	maxWorkers int
}

// NewWorkerSupervisor builds a supervisor; args returns the command line of
// the worker for an index and must include the worker signature.
func NewWorkerSupervisor(o Options, args func(index int) []string, maxWorkers int) *WorkerSupervisor {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &WorkerSupervisor{base: newBase(o), args: args, maxWorkers: maxWorkers}
}

// Start launches n new workers into the lowest free indices. Running slots
// are skipped; a slot lost to a concurrent start moves on to the next index.
func (w *WorkerSupervisor) Start(ctx context.Context, n int) (StartReport, error) {
	var rep StartReport
	if n <= 0 {
		return rep, fmt.Errorf("number of workers must be positive, got %d", n)
	}
	for idx := 0; len(rep.Started) < n; idx++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if idx >= w.maxWorkers {
			return rep, fmt.Errorf("worker limit %d reached after starting %d of %d", w.maxWorkers, len(rep.Started), n)
		}
		slot := pidfile.WorkerSlot(idx)
		res, err := w.observe(ctx, slot)
		if err != nil {
			return rep, err
		}
		switch res.State {
		case detector.Running:
			continue
		case detector.Stale:
			rep.Cleared = append(rep.Cleared, res)
		}

		out, err := w.spawner.Launch(ctx, daemon.Request{Slot: slot, Args: w.args(idx)})
		if err != nil {
			return rep, err
		}
		if !out.Claimed {
			w.log.Debug("lost claim race, trying next index", "slot", slot.Name(), "pid", out.PID)
			rep.Lost = append(rep.Lost, slot)
			w.hist.Record(ctx, history.Event{Type: history.EventClaimLost, Slot: slot.Name(), PID: out.PID})
			continue
		}
		w.log.Debug("worker started", "slot", slot.Name(), "pid", out.PID)
		w.hist.Record(ctx, history.Event{Type: history.EventStart, Slot: slot.Name(), PID: out.PID})
		rep.Started = append(rep.Started, detector.Result{Slot: slot, State: detector.Running, PID: out.PID})
	}
	return rep, nil
}

// Stop terminates running workers, highest index first. Asking for more
// than are running stops all of them. Failures on one slot do not prevent
// the others from being stopped; they are returned joined.
func (w *WorkerSupervisor) Stop(ctx context.Context, target StopTarget) ([]StopReport, error) {
	if !target.All && target.Count <= 0 {
		return nil, fmt.Errorf("number of workers to stop must be positive, got %d", target.Count)
	}
	st, err := w.Status(ctx, 0)
	if err != nil {
		return nil, err
	}
	running := st.Running()
	sort.Slice(running, func(i, j int) bool { return running[i].Slot.Index > running[j].Slot.Index })
	if !target.All && target.Count < len(running) {
		running = running[:target.Count]
	}

	var (
		reports []StopReport
		errs    []error
	)
	for _, r := range running {
		rec := pidfile.Record{Slot: r.Slot, PID: r.PID, Meta: r.Meta}
		rep, err := w.terminate(ctx, rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reports = append(reports, rep)
	}
	return reports, errors.Join(errs...)
}

// Status reports every worker slot that has a record plus indices
// 0..expected-1. Stale records found here are cleared.
func (w *WorkerSupervisor) Status(ctx context.Context, expected int) (Status, error) {
	slots, err := w.store.Slots(pidfile.RoleWorker)
	if err != nil {
		return Status{}, fmt.Errorf("list worker records: %w", err)
	}
	seen := make(map[int]bool, len(slots)+expected)
	for _, s := range slots {
		seen[s.Index] = true
	}
	for i := 0; i < expected; i++ {
		if !seen[i] {
			seen[i] = true
			slots = append(slots, pidfile.WorkerSlot(i))
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Index < slots[j].Index })

	var st Status
	for _, slot := range slots {
		res, err := w.observe(ctx, slot)
		if err != nil {
			return st, err
		}
		st.Results = append(st.Results, res)
	}
	return st, nil
}
