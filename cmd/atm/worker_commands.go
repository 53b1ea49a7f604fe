package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/loykin/atm/internal/detector"
	"github.com/loykin/atm/internal/supervisor"
)

// WorkerStart launches f.Number additional background workers.
func (c *command) WorkerStart(ctx context.Context, f WorkerStartFlags) error {
	s, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	n := f.Number
	if n == 0 {
		n = s.cfg.Worker.Number
	}
	sup, err := s.workers(f.Work.withDefaults(s.cfg.Worker))
	if err != nil {
		return err
	}
	rep, err := sup.Start(ctx, n)
	for _, r := range rep.Cleared {
		_, _ = fmt.Fprintf(c.out, "Removed stale record of %s (pid %d: %s)\n", r.Slot, r.PID, r.Reason)
	}
	for _, r := range rep.Started {
		_, _ = fmt.Fprintf(c.out, "Started %s (pid %d)\n", r.Slot, r.PID)
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%d worker(s) started.\n", len(rep.Started))
	return nil
}

// WorkerStop terminates running workers, highest index first. Without --all
// it stops f.Number of them, one by default.
func (c *command) WorkerStop(ctx context.Context, f WorkerStopFlags) error {
	if !f.All && f.Number <= 0 {
		return errors.New("--number must be at least 1")
	}
	s, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	if f.Grace > 0 {
		s.cfg.Supervisor.StopGrace = f.Grace
	}
	sup, err := s.workers(WorkFlags{})
	if err != nil {
		return err
	}
	reps, err := sup.Stop(ctx, supervisor.StopTarget{All: f.All, Count: f.Number})
	for _, r := range reps {
		how := "stopped"
		if r.Killed {
			how = "killed"
		}
		_, _ = fmt.Fprintf(c.out, "%s %s (pid %d)\n", r.Slot, how, r.PID)
	}
	if err != nil {
		return err
	}
	if len(reps) == 0 {
		_, _ = fmt.Fprintln(c.out, "No workers running.")
	}
	return nil
}

type slotStatus struct {
	Slot      string `json:"slot"`
	State     string `json:"state"`
	PID       int    `json:"pid,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	DataStore string `json:"data_store,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func toSlotStatus(r detector.Result) slotStatus {
	st := slotStatus{Slot: r.Slot.Name(), State: r.State.String(), Reason: r.Reason}
	if r.State != detector.NotRunning {
		st.PID = r.PID
		st.Endpoint = r.Meta.Endpoint
		st.DataStore = r.Meta.DataStore
	}
	return st
}

// WorkerStatus lists worker slots. Stale records found are removed.
func (c *command) WorkerStatus(ctx context.Context, f WorkerStatusFlags) error {
	s, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	sup, err := s.workers(WorkFlags{})
	if err != nil {
		return err
	}
	st, err := sup.Status(ctx, f.Number)
	if err != nil {
		return err
	}
	rows := make([]slotStatus, 0, len(st.Results))
	for _, r := range st.Results {
		rows = append(rows, toSlotStatus(r))
	}
	if f.JSON {
		return printJSON(c.out, rows)
	}
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(c.out, "No workers running.")
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SLOT\tSTATE\tPID\tNOTE")
	for _, r := range rows {
		pid, note := "-", ""
		if r.PID > 0 {
			pid = fmt.Sprint(r.PID)
		}
		if r.State == detector.Stale.String() {
			note = "record removed: " + r.Reason
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Slot, r.State, pid, note)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%d running, %d stale removed\n", len(st.Running()), len(st.Stale()))
	return nil
}
