package detector

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/atm/internal/pidfile"
)

// State is the liveness verdict for one slot.
type State int

const (
	// NotRunning means the slot has no record.
	NotRunning State = iota
	// Running means the recorded pid is alive and is the process that claimed the slot.
	Running
	// Stale means a record exists but its pid is gone or belongs to someone else.
	Stale
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stale:
		return "stale"
	default:
		return "not running"
	}
}

// Result is the outcome of checking one slot.
type Result struct {
	Slot   pidfile.Slot
	State  State
	PID    int
	Meta   pidfile.Meta
	// Reason explains a Stale verdict. On a Running result it names a check
	// that could not be made.
	Reason string
}

func (r Result) String() string {
	switch r.State {
	case Running:
		return fmt.Sprintf("%s running (pid %d)", r.Slot, r.PID)
	case Stale:
		return fmt.Sprintf("%s stale (pid %d: %s)", r.Slot, r.PID, r.Reason)
	default:
		return fmt.Sprintf("%s not running", r.Slot)
	}
}

// ErrNoProcess is returned by a ProcessTable when the pid does not exist.
var ErrNoProcess = errors.New("no such process")

// Info is what the checker needs to know about a live pid.
type Info struct {
	PID       int
	Cmdline   []string
	StartUnix int64
	Zombie    bool
}

// ProcessTable looks up processes by pid.
type ProcessTable interface {
	Lookup(pid int) (Info, error)
}

// Checker decides whether a pid record still refers to its claimant. A pid
// alone is not enough: the live process must also carry the role signature
// on its command line and, when recorded, the same start time.
type Checker struct {
	table ProcessTable
}

func NewChecker(table ProcessTable) *Checker {
	if table == nil {
		table = SystemTable{}
	}
	return &Checker{table: table}
}

// Check classifies rec as Running or Stale.
func (c *Checker) Check(rec pidfile.Record) Result {
	res := Result{Slot: rec.Slot, PID: rec.PID, Meta: rec.Meta, State: Stale}
	info, err := c.table.Lookup(rec.PID)
	if err != nil {
		if errors.Is(err, ErrNoProcess) {
			res.Reason = "process absent"
		} else {
			res.Reason = err.Error()
		}
		return res
	}
	if info.Zombie {
		res.Reason = "process exited"
		return res
	}
	if !matchSignature(info.Cmdline, rec.Signature()) {
		res.Reason = "pid reused by another program"
		return res
	}
	if rec.Meta.StartUnix > 0 && info.StartUnix > 0 && rec.Meta.StartUnix != info.StartUnix {
		res.Reason = "pid reused (start time differs)"
		return res
	}
	res.State = Running
	res.Reason = ""
	if rec.MetaUnreadable {
		res.Reason = "metadata unreadable, start time not checked"
	}
	return res
}

// Alive adapts Check to pidfile.LiveFunc.
func (c *Checker) Alive(rec pidfile.Record) bool {
	return c.Check(rec).State == Running
}

func matchSignature(cmdline []string, sig string) bool {
	if sig == "" {
		return false
	}
	for _, arg := range cmdline {
		if strings.Contains(arg, sig) {
			return true
		}
	}
	return false
}
