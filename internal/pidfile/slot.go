package pidfile

import (
	"fmt"
	"strconv"
	"strings"
)

// Role names a class of supervised process.
type Role string

const (
	RoleWorker Role = "worker"
	RoleServer Role = "server"
)

// Signature is the token every process of this role carries on its command
// line. It is how a live pid is told apart from an unrelated process that
// inherited a recycled pid.
func (r Role) Signature() string { return "atm-" + string(r) }

// Slot identifies one supervised process: a worker index or the single server.
type Slot struct {
	Role  Role
	Index int
}

func WorkerSlot(i int) Slot { return Slot{Role: RoleWorker, Index: i} }

func ServerSlot() Slot { return Slot{Role: RoleServer} }

// Name is the slot's stable identifier, used for pid, log and output files.
func (s Slot) Name() string {
	if s.Role == RoleServer {
		return string(RoleServer)
	}
	return string(s.Role) + "_" + strconv.Itoa(s.Index)
}

func (s Slot) String() string { return s.Name() }

// FileName returns the pid file name of the slot.
func (s Slot) FileName() string { return s.Name() + ".pid" }

// parseFileName is the inverse of FileName.
func parseFileName(name string) (Slot, bool) {
	base, ok := strings.CutSuffix(name, ".pid")
	if !ok {
		return Slot{}, false
	}
	if base == string(RoleServer) {
		return ServerSlot(), true
	}
	idx, ok := strings.CutPrefix(base, string(RoleWorker)+"_")
	if !ok {
		return Slot{}, false
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 || strconv.Itoa(n) != idx {
		return Slot{}, false
	}
	return WorkerSlot(n), true
}

// Meta is optional data written alongside the pid.
type Meta struct {
	StartUnix int64  `json:"start_unix,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	DataStore string `json:"data_store,omitempty"`
}

// Record binds a slot to the pid that claimed it.
type Record struct {
	Slot Slot
	PID  int
	Meta Meta
	// MetaUnreadable is set when the record had a metadata line that did not
	// parse; Meta is then empty and the start time cannot be compared.
	MetaUnreadable bool
}

func (r Record) Signature() string { return r.Slot.Role.Signature() }

func (r Record) String() string { return fmt.Sprintf("%s(pid=%d)", r.Slot, r.PID) }
