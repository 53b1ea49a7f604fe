package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/loykin/atm/internal/config"
	"github.com/loykin/atm/internal/logger"
	"github.com/loykin/atm/internal/tuning"
)

// newTuningWorker builds the work-unit of a worker from config and flags.
// The data store is attached by the caller.
func newTuningWorker(cfg *config.Config, f WorkFlags, log *slog.Logger) *tuning.Worker {
	f = f.withDefaults(cfg.Worker)
	w := &tuning.Worker{
		Spec: tuning.WorkSpec{
			TotalTime:      f.TotalTime,
			Dataruns:       f.Dataruns,
			ChooseRandomly: f.ChooseRandomly,
			SaveFiles:      !f.NoSave,
			ModelDir:       filepath.Join(cfg.RunDir, "models"),
			Wait:           f.Wait,
			PollInterval:   cfg.Worker.PollInterval,
		},
		Log: log,
	}
	if len(cfg.Worker.Evaluator) > 0 {
		w.Eval = tuning.CommandEvaluator{Argv: cfg.Worker.Evaluator, Dir: cfg.RunDir}
	}
	return w
}

// Work runs one worker in the foreground until its budget is spent or it is
// interrupted.
func (c *command) Work(ctx context.Context, f WorkFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	log := logger.NewConsole(c.errOut, cfg.Log)
	dsn, err := cfg.DSN()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.RunDir, 0o750); err != nil {
		return err
	}
	db, err := openStore(ctx, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer stop()

	w := newTuningWorker(cfg, f, log)
	w.DB = db
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// EnterData registers a dataset and creates its dataruns.
func (c *command) EnterData(ctx context.Context, f EnterDataFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	dsn, err := cfg.DSN()
	if err != nil {
		return err
	}
	db, err := openStore(ctx, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	res, err := tuning.EnterData(ctx, db, tuning.DataSpec{
		Name:            f.Name,
		Description:     f.Description,
		TrainPath:       f.TrainPath,
		TestPath:        f.TestPath,
		ClassColumn:     f.ClassColumn,
		Methods:         f.Methods,
		Priority:        f.Priority,
		Metric:          f.Metric,
		BudgetType:      f.BudgetType,
		Budget:          f.Budget,
		RunPerPartition: f.RunPerPartition,
	})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "Dataset %d entered: %d datarun(s) %v, %d hyperpartition(s)\n",
		res.DatasetID, len(res.DatarunIDs), res.DatarunIDs, res.Hyperpartitions)
	return nil
}

// MakeConfig writes a commented configuration template.
func (c *command) MakeConfig(f MakeConfigFlags) error {
	path := f.Path
	if path == "" {
		path = "atm.toml"
	}
	if err := config.WriteTemplate(path, f.Force); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "Configuration template written to %s\n", path)
	return nil
}
