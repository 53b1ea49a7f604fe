package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/atm/internal/pidfile"
)

func main() {
	root := buildRoot(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the command tree writing to out and errOut.
func buildRoot(out, errOut io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	atm := &command{global: globalFlags, out: out, errOut: errOut}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.SetErr(errOut)
	root.AddCommand(
		createWorkerCommand(atm),
		createServerCommand(atm),
		createWorkCommand(atm),
		createEnterDataCommand(atm),
		createMakeConfigCommand(atm),
		createWorkerChildCommand(atm),
		createServerChildCommand(atm),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "atm",
		Short: "Auto Tune Models: background tuning workers and API server",
		Long: `atm supervises a pool of background tuning workers and a single REST API
server over a shared data store. Process state lives in pid files, so every
invocation sees what earlier ones started.

Examples:
  atm make-config --path atm.toml
  atm enter-data --config atm.toml --train data/iris.csv
  atm worker start --config atm.toml --number 4
  atm server start --config atm.toml --port 8000
  atm worker stop --config atm.toml --all`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	return root
}

// explicit records which of names were given on the command line.
func explicit(cmd *cobra.Command, names ...string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		if f := cmd.Flags().Lookup(n); f != nil && f.Changed {
			set[n] = true
		}
	}
	return set
}

var workFlagNames = []string{"choose-randomly", "no-save", "time", "dataruns", "wait"}

func bindWorkFlags(cmd *cobra.Command, f *WorkFlags) {
	cmd.Flags().BoolVar(&f.ChooseRandomly, "choose-randomly", false, "pick dataruns at random instead of by priority")
	cmd.Flags().BoolVar(&f.NoSave, "no-save", false, "do not write trial files to the run directory")
	cmd.Flags().DurationVar(&f.TotalTime, "time", 0, "stop working after this long (0 runs until stopped)")
	cmd.Flags().Int64SliceVar(&f.Dataruns, "dataruns", nil, "only work on these datarun ids")
	cmd.Flags().BoolVar(&f.Wait, "wait", false, "keep polling when no datarun is pending")
}

func createWorkerCommand(atm *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage background tuning workers",
	}
	cmd.AddCommand(
		createWorkerStartCommand(atm),
		createWorkerStopCommand(atm),
		createWorkerStatusCommand(atm),
	)
	return cmd
}

func createWorkerStartCommand(atm *command) *cobra.Command {
	flags := &WorkerStartFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start additional workers",
		Long: `Start N new background workers in the lowest free slots. Workers that are
already running are left alone; stale records are cleaned up on the way.

Examples:
  atm worker start --number 4
  atm worker start --time 1h --dataruns 3,4 --no-save`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Work.Set = explicit(cmd, workFlagNames...)
			return atm.WorkerStart(cmd.Context(), *flags)
		},
	}
	cmd.Flags().IntVarP(&flags.Number, "number", "n", 0, "number of workers to start (default worker.number)")
	bindWorkFlags(cmd, &flags.Work)
	return cmd
}

func createWorkerStopCommand(atm *command) *cobra.Command {
	flags := &WorkerStopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop running workers",
		Long: `Stop running workers, highest slot first. Each gets SIGTERM and, if it has
not exited after the grace period, SIGKILL. Without flags one worker is stopped.

Examples:
  atm worker stop
  atm worker stop --number 2
  atm worker stop --all --grace 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return atm.WorkerStop(cmd.Context(), *flags)
		},
	}
	cmd.Flags().IntVarP(&flags.Number, "number", "n", 1, "number of workers to stop")
	cmd.Flags().BoolVar(&flags.All, "all", false, "stop every running worker")
	cmd.Flags().DurationVar(&flags.Grace, "grace", 0, "time to wait after SIGTERM (default supervisor.stop_grace)")
	cmd.MarkFlagsMutuallyExclusive("number", "all")
	return cmd
}

func createWorkerStatusCommand(atm *command) *cobra.Command {
	flags := &WorkerStatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show worker slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return atm.WorkerStatus(cmd.Context(), *flags)
		},
	}
	cmd.Flags().IntVarP(&flags.Number, "number", "n", 0, "also report slots 0..N-1 when they are empty")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	return cmd
}

func createServerCommand(atm *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the REST API server",
	}
	cmd.AddCommand(
		createServerStartCommand(atm),
		createServerStopCommand(atm),
		createServerStatusCommand(atm),
	)
	return cmd
}

func createServerStartCommand(atm *command) *cobra.Command {
	flags := &ServerStartFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the API server unless it is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return atm.ServerStart(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Host, "host", "", "listen host (default server.host)")
	cmd.Flags().IntVar(&flags.Port, "port", 0, "listen port (default server.port)")
	return cmd
}

func createServerStopCommand(atm *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return atm.ServerStop(cmd.Context())
		},
	}
}

func createServerStatusCommand(atm *command) *cobra.Command {
	flags := &ServerStatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show where the API server is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return atm.ServerStatus(cmd.Context(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	return cmd
}

func createWorkCommand(atm *command) *cobra.Command {
	flags := &WorkFlags{}
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run one worker in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Set = explicit(cmd, workFlagNames...)
			return atm.Work(cmd.Context(), *flags)
		},
	}
	bindWorkFlags(cmd, flags)
	return cmd
}

func createEnterDataCommand(atm *command) *cobra.Command {
	flags := &EnterDataFlags{}
	cmd := &cobra.Command{
		Use:   "enter-data",
		Short: "Register a dataset and create its dataruns",
		Long: `Register a CSV dataset and create dataruns and hyperpartitions for the
chosen methods.

Examples:
  atm enter-data --train data/iris.csv
  atm enter-data --train train.csv --test test.csv --methods svm,rf --budget 200`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return atm.EnterData(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.TrainPath, "train", "", "training CSV file (required)")
	cmd.Flags().StringVar(&flags.TestPath, "test", "", "test CSV file")
	cmd.Flags().StringVar(&flags.Name, "name", "", "dataset name (default: train file name)")
	cmd.Flags().StringVar(&flags.Description, "description", "", "dataset description")
	cmd.Flags().StringVar(&flags.ClassColumn, "class-column", "class", "name of the label column")
	cmd.Flags().StringSliceVar(&flags.Methods, "methods", nil, "classification methods (default logreg,dt,knn)")
	cmd.Flags().IntVar(&flags.Priority, "priority", 1, "datarun priority, higher runs first")
	cmd.Flags().StringVar(&flags.Metric, "metric", "f1", "metric to optimize")
	cmd.Flags().StringVar(&flags.BudgetType, "budget-type", "classifier", "budget type: classifier or walltime")
	cmd.Flags().IntVar(&flags.Budget, "budget", 100, "classifiers, or minutes of walltime")
	cmd.Flags().BoolVar(&flags.RunPerPartition, "run-per-partition", false, "one datarun per hyperpartition")
	if err := cmd.MarkFlagRequired("train"); err != nil {
		panic(err) // This should never happen during setup
	}
	return cmd
}

func createMakeConfigCommand(atm *command) *cobra.Command {
	flags := &MakeConfigFlags{}
	cmd := &cobra.Command{
		Use:   "make-config",
		Short: "Write a configuration template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return atm.MakeConfig(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Path, "path", "atm.toml", "file to write")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "overwrite an existing file")
	return cmd
}

// The launched children re-enter the binary through these hidden commands.
// Their names are the signatures the liveness check matches.

func createWorkerChildCommand(atm *command) *cobra.Command {
	flags := &WorkerChildFlags{}
	cmd := &cobra.Command{
		Use:    pidfile.RoleWorker.Signature(),
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Work.Set = explicit(cmd, workFlagNames...)
			return atm.RunWorkerChild(cmd.Context(), *flags)
		},
	}
	cmd.Flags().IntVar(&flags.Index, "index", 0, "worker slot index")
	cmd.Flags().StringVar(&flags.DataStore, "data-store", "", "data store location")
	bindWorkFlags(cmd, &flags.Work)
	return cmd
}

func createServerChildCommand(atm *command) *cobra.Command {
	flags := &ServerChildFlags{}
	cmd := &cobra.Command{
		Use:    pidfile.RoleServer.Signature(),
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return atm.RunServerChild(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Host, "host", "127.0.0.1", "listen host")
	cmd.Flags().IntVar(&flags.Port, "port", 8000, "listen port")
	cmd.Flags().StringVar(&flags.DataStore, "data-store", "", "data store location")
	return cmd
}
