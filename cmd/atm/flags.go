package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/loykin/atm/internal/config"
)

// Flag structs to decouple cobra from logic for testing.

// GlobalFlags holds the persistent flags of every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
}

// WorkFlags select what a worker does; shared by `worker start`, `work` and
// the worker entrypoint. Set names the flags given on the command line;
// the others fall back to the [worker] section of the config.
type WorkFlags struct {
	ChooseRandomly bool
	NoSave         bool
	TotalTime      time.Duration
	Dataruns       []int64
	Wait           bool

	Set map[string]bool
}

// withDefaults fills every flag that was not given explicitly from cfg.
func (f WorkFlags) withDefaults(cfg config.WorkerConfig) WorkFlags {
	if !f.Set["choose-randomly"] {
		f.ChooseRandomly = cfg.ChooseRandomly
	}
	if !f.Set["no-save"] {
		f.NoSave = !cfg.SaveFiles
	}
	if !f.Set["time"] {
		f.TotalTime = cfg.TotalTime
	}
	if !f.Set["dataruns"] {
		f.Dataruns = cfg.Dataruns
	}
	if !f.Set["wait"] {
		f.Wait = cfg.Wait
	}
	return f
}

// args renders f for a worker child so it runs exactly as resolved here.
func (f WorkFlags) args() []string {
	a := []string{
		"--choose-randomly=" + strconv.FormatBool(f.ChooseRandomly),
		"--no-save=" + strconv.FormatBool(f.NoSave),
		"--time=" + f.TotalTime.String(),
		"--wait=" + strconv.FormatBool(f.Wait),
	}
	if len(f.Dataruns) > 0 {
		ids := make([]string, len(f.Dataruns))
		for i, id := range f.Dataruns {
			ids[i] = strconv.FormatInt(id, 10)
		}
		a = append(a, "--dataruns="+strings.Join(ids, ","))
	}
	return a
}

// WorkerStartFlags.Number zero takes worker.number from the config.
type WorkerStartFlags struct {
	Number int
	Work   WorkFlags
}

// WorkerStopFlags.Grace zero takes supervisor.stop_grace.
type WorkerStopFlags struct {
	Number int
	All    bool
	Grace  time.Duration
}

type WorkerStatusFlags struct {
	Number int
	JSON   bool
}

// ServerStartFlags zero values take the [server] section of the config.
type ServerStartFlags struct {
	Host string
	Port int
}

type ServerStatusFlags struct {
	JSON bool
}

type EnterDataFlags struct {
	Name            string
	Description     string
	TrainPath       string
	TestPath        string
	ClassColumn     string
	Methods         []string
	Priority        int
	Metric          string
	BudgetType      string
	Budget          int
	RunPerPartition bool
}

type MakeConfigFlags struct {
	Path  string
	Force bool
}

// WorkerChildFlags are passed by `worker start` to each detached worker.
type WorkerChildFlags struct {
	Index     int
	DataStore string
	Work      WorkFlags
}

// ServerChildFlags are passed by `server start` to the detached API server.
type ServerChildFlags struct {
	Host      string
	Port      int
	DataStore string
}
