package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/loykin/atm/internal/daemon"
	"github.com/loykin/atm/internal/detector"
	"github.com/loykin/atm/internal/logger"
	"github.com/loykin/atm/internal/metrics"
	"github.com/loykin/atm/internal/pidfile"
	"github.com/loykin/atm/internal/server"
	"github.com/loykin/atm/internal/store"
	"github.com/loykin/atm/internal/tuning"
)

// workerUnit opens the data store before the worker is reported ready.
type workerUnit struct {
	dsn string
	w   *tuning.Worker
}

func (u *workerUnit) Prepare(ctx context.Context) error {
	db, err := openStore(ctx, u.dsn)
	if err != nil {
		return err
	}
	u.w.DB = db
	return nil
}

func (u *workerUnit) Run(ctx context.Context) error {
	if u.w.DB == nil {
		if err := u.Prepare(ctx); err != nil {
			return err
		}
	}
	defer func() { _ = u.w.DB.Close() }()
	return u.w.Run(ctx)
}

// serverUnit opens the data store and binds the API listener before the
// server is reported ready.
type serverUnit struct {
	dsn  string
	work *server.Work
	db   *store.DB
}

func (u *serverUnit) Prepare(ctx context.Context) error {
	db, err := openStore(ctx, u.dsn)
	if err != nil {
		return err
	}
	u.work.DB = db
	if err := u.work.Prepare(ctx); err != nil {
		_ = db.Close()
		return err
	}
	u.db = db
	return nil
}

func (u *serverUnit) Run(ctx context.Context) error {
	if u.db == nil {
		if err := u.Prepare(ctx); err != nil {
			return err
		}
	}
	defer func() { _ = u.db.Close() }()
	return u.work.Run(ctx)
}

// RunWorkerChild is the body of a detached worker.
func (c *command) RunWorkerChild(ctx context.Context, f WorkerChildFlags) error {
	if f.Index < 0 {
		return fmt.Errorf("invalid worker index %d", f.Index)
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	dsn, err := dataStoreFor(f.DataStore, cfg)
	if err != nil {
		return err
	}
	slot := pidfile.WorkerSlot(f.Index)
	log, closer, err := logger.NewFile(cfg.Log, slot.Name())
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	checker := detector.NewChecker(nil)
	child := &daemon.Child{
		Store: pidfile.New(cfg.PIDDir, checker.Alive),
		Slot:  slot,
		Meta:  pidfile.Meta{DataStore: dsn},
		Log:   log,
	}
	err = child.Run(ctx, &workerUnit{dsn: dsn, w: newTuningWorker(cfg, f.Work, log)})
	if errors.Is(err, daemon.ErrClaimLost) {
		return nil
	}
	return err
}

// RunServerChild is the body of the detached API server.
func (c *command) RunServerChild(ctx context.Context, f ServerChildFlags) error {
	if f.Port <= 0 || f.Port > 65535 {
		return fmt.Errorf("invalid port %d", f.Port)
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	dsn, err := dataStoreFor(f.DataStore, cfg)
	if err != nil {
		return err
	}
	slot := pidfile.ServerSlot()
	log, closer, err := logger.NewFile(cfg.Log, slot.Name())
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	addr := net.JoinHostPort(f.Host, strconv.Itoa(f.Port))
	checker := detector.NewChecker(nil)
	pids := pidfile.New(cfg.PIDDir, checker.Alive)
	child := &daemon.Child{
		Store: pids,
		Slot:  slot,
		Meta:  pidfile.Meta{Endpoint: addr, DataStore: dsn},
		Log:   log,
	}
	unit := &serverUnit{dsn: dsn, work: &server.Work{
		Addr:  addr,
		Slots: metrics.NewSlotCollector(pids, checker, log),
		Log:   log,
	}}
	err = child.Run(ctx, unit)
	if errors.Is(err, daemon.ErrClaimLost) {
		return nil
	}
	return err
}
