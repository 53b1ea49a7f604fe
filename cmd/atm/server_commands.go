package main

import (
	"context"
	"fmt"

	"github.com/loykin/atm/internal/detector"
	"github.com/loykin/atm/internal/pidfile"
	"github.com/loykin/atm/internal/supervisor"
)

type serverStatus struct {
	Running   bool   `json:"running"`
	PID       int    `json:"pid,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	DataStore string `json:"data_store,omitempty"`
}

func (c *command) reportCleared(rep supervisor.ServerReport) {
	if rep.Cleared != nil {
		_, _ = fmt.Fprintf(c.out, "Removed stale server record (pid %d: %s)\n", rep.Cleared.PID, rep.Cleared.Reason)
	}
}

// ServerStart launches the API server unless one is already running.
func (c *command) ServerStart(ctx context.Context, f ServerStartFlags) error {
	s, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	a := supervisor.ServerArgs{Host: f.Host, Port: f.Port, DataStore: s.dsn}
	if a.Host == "" {
		a.Host = s.cfg.Server.Host
	}
	if a.Port == 0 {
		a.Port = s.cfg.Server.Port
	}
	sup, err := s.server()
	if err != nil {
		return err
	}
	rep, err := sup.Start(ctx, a)
	c.reportCleared(rep)
	if err != nil {
		return err
	}
	if rep.AlreadyRunning {
		_, _ = fmt.Fprintf(c.out, "ATM server is already running at %s (pid %d)\n", rep.Endpoint, rep.PID)
		return nil
	}
	_, _ = fmt.Fprintf(c.out, "ATM server started at %s (pid %d)\n", rep.Endpoint, rep.PID)
	return nil
}

// ServerStop terminates the API server; a server that is not running is
// reported, not treated as an error.
func (c *command) ServerStop(ctx context.Context) error {
	s, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	sup, err := s.server()
	if err != nil {
		return err
	}
	rep, err := sup.Stop(ctx)
	c.reportCleared(rep)
	if err != nil {
		return err
	}
	switch {
	case rep.Stopped && rep.Killed:
		_, _ = fmt.Fprintln(c.out, "ATM server killed after the grace period.")
	case rep.Stopped:
		_, _ = fmt.Fprintln(c.out, "ATM server stopped.")
	default:
		_, _ = fmt.Fprintln(c.out, "ATM server not running.")
	}
	return nil
}

func (c *command) ServerStatus(ctx context.Context, f ServerStatusFlags) error {
	s, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	sup, err := s.server()
	if err != nil {
		return err
	}
	rep, err := sup.Status(ctx)
	if err != nil {
		return err
	}
	running := rep.State == detector.Running
	if f.JSON {
		st := serverStatus{Running: running, PID: rep.PID, Endpoint: rep.Endpoint}
		if running {
			if rec, err := s.pids.Read(pidfile.ServerSlot()); err == nil {
				st.DataStore = rec.Meta.DataStore
			}
		}
		return printJSON(c.out, st)
	}
	c.reportCleared(rep)
	if !running {
		_, _ = fmt.Fprintln(c.out, "ATM server not running.")
		return nil
	}
	_, _ = fmt.Fprintf(c.out, "ATM server is running at %s (pid %d)\n", rep.Endpoint, rep.PID)
	return nil
}
