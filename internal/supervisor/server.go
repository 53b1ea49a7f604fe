package supervisor

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/loykin/atm/internal/daemon"
	"github.com/loykin/atm/internal/detector"
	"github.com/loykin/atm/internal/history"
	"github.com/loykin/atm/internal/pidfile"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8000
)

// ServerArgs describes the server process to launch.
type ServerArgs struct {
	Host      string
	Port      int
	DataStore string
}

// Addr returns host:port.
func (a ServerArgs) Addr() string { return net.JoinHostPort(a.Host, strconv.Itoa(a.Port)) }

// ServerReport is the outcome of a server operation.
type ServerReport struct {
	State    detector.State
	PID      int
	Endpoint string // http://host:port when known
	// AlreadyRunning is set by Start when no process was spawned.
	AlreadyRunning bool
	// Stopped is set by Stop when a running server was terminated.
	Stopped bool
	Killed  bool
	// Cleared is set when a stale server record was removed.
	Cleared *detector.Result
}

// ServerSupervisor manages the single API server slot.
type ServerSupervisor struct {
	base
	args func(ServerArgs) []string
}

// NewServerSupervisor builds a supervisor; args returns the command line of
// the server process and must include the server signature.
func NewServerSupervisor(o Options, args func(ServerArgs) []string) *ServerSupervisor {
	return &ServerSupervisor{base: newBase(o), args: args}
}

func endpointOf(meta pidfile.Meta) string {
	if meta.Endpoint == "" {
		return ""
	}
	return "http://" + meta.Endpoint
}

func (s *ServerSupervisor) report(res detector.Result) ServerReport {
	rep := ServerReport{State: res.State, PID: res.PID}
	switch res.State {
	case detector.Running:
		rep.Endpoint = endpointOf(res.Meta)
	case detector.Stale:
		r := res
		rep.Cleared = &r
		rep.State = detector.NotRunning
		rep.PID = 0
	}
	return rep
}

// Start launches the server unless one is already running, in which case
// the running instance's endpoint is reported and nothing is spawned.
func (s *ServerSupervisor) Start(ctx context.Context, a ServerArgs) (ServerReport, error) {
	slot := pidfile.ServerSlot()
	res, err := s.observe(ctx, slot)
	if err != nil {
		return ServerReport{}, err
	}
	rep := s.report(res)
	if res.State == detector.Running {
		rep.AlreadyRunning = true
		return rep, nil
	}

	if a.Host == "" {
		a.Host = DefaultHost
	}
	if a.Port == 0 {
		a.Port = DefaultPort
	}
	if a.Port < 0 || a.Port > 65535 {
		return rep, fmt.Errorf("invalid port %d", a.Port)
	}
	out, err := s.spawner.Launch(ctx, daemon.Request{Slot: slot, Args: s.args(a)})
	if err != nil {
		return rep, err
	}
	if !out.Claimed {
		s.hist.Record(ctx, history.Event{Type: history.EventClaimLost, Slot: slot.Name(), PID: out.PID})
		// a concurrent start won; report it
		res, err := s.observe(ctx, slot)
		if err != nil {
			return rep, err
		}
		if res.State != detector.Running {
			return rep, fmt.Errorf("server slot is contended")
		}
		won := s.report(res)
		won.AlreadyRunning = true
		won.Cleared = rep.Cleared
		return won, nil
	}

	s.hist.Record(ctx, history.Event{Type: history.EventStart, Slot: slot.Name(), PID: out.PID, Endpoint: a.Addr()})
	rep.State = detector.Running
	rep.PID = out.PID
	rep.Endpoint = "http://" + a.Addr()
	return rep, nil
}

// Stop terminates a running server. A missing or stale server is reported
// as not running and is not an error.
func (s *ServerSupervisor) Stop(ctx context.Context) (ServerReport, error) {
	res, err := s.observe(ctx, pidfile.ServerSlot())
	if err != nil {
		return ServerReport{}, err
	}
	rep := s.report(res)
	if res.State != detector.Running {
		return rep, nil
	}
	stop, err := s.terminate(ctx, pidfile.Record{Slot: res.Slot, PID: res.PID, Meta: res.Meta})
	if err != nil {
		return rep, err
	}
	rep.State = detector.NotRunning
	rep.Stopped = true
	rep.Killed = stop.Killed
	return rep, nil
}

// Status reports whether the server is running and where.
func (s *ServerSupervisor) Status(ctx context.Context) (ServerReport, error) {
	res, err := s.observe(ctx, pidfile.ServerSlot())
	if err != nil {
		return ServerReport{}, err
	}
	return s.report(res), nil
}
