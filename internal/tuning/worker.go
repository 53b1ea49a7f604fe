// Package tuning is the work-unit run by a worker: it picks dataruns from the
// data store and records random-search trials until its time budget is spent.
package tuning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/atm/internal/store"
)

const DefaultPollInterval = 5 * time.Second

// WorkSpec describes what a worker does once started.
type WorkSpec struct {
	// TotalTime bounds the run; zero runs until the context ends.
	TotalTime time.Duration
	// Dataruns restricts work to these ids when non-empty.
	Dataruns       []int64
	ChooseRandomly bool
	// SaveFiles persists each trial to ModelDir.
	SaveFiles bool
	ModelDir  string
	// Wait keeps polling when no work is available instead of returning.
	Wait         bool
	PollInterval time.Duration
}

// Worker executes a WorkSpec against a data store.
type Worker struct {
	DB   *store.DB
	Spec WorkSpec
	Eval Evaluator
	Log  *slog.Logger
	// Host is recorded on every classifier.
	Host string

	rnd *rand.Rand
	now func() time.Time
}

func (w *Worker) init() {
	if w.Eval == nil {
		w.Eval = NopEvaluator{}
	}
	if w.Log == nil {
		w.Log = slog.Default()
	}
	if w.rnd == nil {
		w.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.Spec.PollInterval <= 0 {
		w.Spec.PollInterval = DefaultPollInterval
	}
	if w.Host == "" {
		w.Host, _ = os.Hostname()
	}
}

// Run works until the time budget is spent, ctx ends, or (without Wait)
// no datarun is left. Cancellation returns ctx.Err().
func (w *Worker) Run(ctx context.Context) error {
	w.init()
	var deadline time.Time
	if w.Spec.TotalTime > 0 {
		deadline = w.now().Add(w.Spec.TotalTime)
	}
	if w.Spec.SaveFiles && w.Spec.ModelDir != "" {
		if err := os.MkdirAll(w.Spec.ModelDir, 0o750); err != nil {
			return fmt.Errorf("create model dir: %w", err)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !deadline.IsZero() && !w.now().Before(deadline) {
			w.Log.Info("time budget spent", "total_time", w.Spec.TotalTime)
			return nil
		}
		dr, err := w.pick(ctx)
		if errors.Is(err, store.ErrNoWork) {
			if !w.Spec.Wait {
				w.Log.Info("no dataruns left")
				return nil
			}
			w.Log.Debug("no dataruns, waiting", "poll", w.Spec.PollInterval)
			if err := sleep(ctx, w.Spec.PollInterval); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := w.Step(ctx, dr); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("datarun %d: %w", dr.ID, err)
		}
	}
}

// pick selects the next datarun: highest priority first, or uniformly among
// all pending runs when ChooseRandomly is set.
func (w *Worker) pick(ctx context.Context) (store.Datarun, error) {
	runs, err := w.DB.PendingDataruns(ctx, w.Spec.Dataruns)
	if err != nil {
		return store.Datarun{}, err
	}
	if len(runs) == 0 {
		return store.Datarun{}, store.ErrNoWork
	}
	if w.Spec.ChooseRandomly {
		return runs[w.rnd.IntN(len(runs))], nil
	}
	return runs[0], nil
}

// Step runs a single trial on dr, completing the datarun when its budget is
// reached or it has nothing left to search.
func (w *Worker) Step(ctx context.Context, dr store.Datarun) error {
	w.init()
	if dr.Status == store.DatarunPending {
		if err := w.DB.StartDatarun(ctx, dr.ID); err != nil {
			return err
		}
		started, err := w.DB.GetDatarun(ctx, dr.ID)
		if err != nil {
			return err
		}
		dr = started
	}
	if done, err := w.exhausted(ctx, dr); err != nil || done {
		if err == nil {
			err = w.complete(ctx, dr)
		}
		return err
	}

	parts, err := w.DB.OpenHyperpartitions(ctx, dr.ID)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return w.complete(ctx, dr)
	}
	hp := parts[w.rnd.IntN(len(parts))]
	ds, err := w.DB.GetDataset(ctx, dr.DatasetID)
	if err != nil {
		return err
	}

	params := w.sample(hp)
	id, err := w.DB.StartClassifier(ctx, store.Classifier{
		DatarunID:        dr.ID,
		HyperpartitionID: hp.ID,
		Host:             w.Host,
		Hyperparameters:  params,
	})
	if err != nil {
		return err
	}
	trial := Trial{
		ClassifierID:     id,
		DatarunID:        dr.ID,
		HyperpartitionID: hp.ID,
		Method:           hp.Method,
		Metric:           dr.Metric,
		Dataset:          ds,
		Params:           params,
	}
	log := w.Log.With("datarun", dr.ID, "classifier", id, "method", hp.Method)

	res, err := w.Eval.Evaluate(ctx, trial)
	if err != nil {
		if ctx.Err() != nil {
			_ = w.DB.FailClassifier(context.WithoutCancel(ctx), id, "interrupted")
			return ctx.Err()
		}
		log.Warn("trial failed, retiring hyperpartition", "hyperpartition", hp.ID, "error", err)
		if err := w.DB.FailClassifier(ctx, id, err.Error()); err != nil {
			return err
		}
		return w.DB.MarkHyperpartitionErrored(ctx, hp.ID)
	}

	sc := store.Scores{CV: res.CV, CVStdev: res.CVStdev, Test: res.Test}
	if w.Spec.SaveFiles && w.Spec.ModelDir != "" {
		path, err := w.save(trial, res)
		if err != nil {
			log.Warn("save trial", "error", err)
		} else {
			sc.ModelPath = path
		}
	}
	if err := w.DB.CompleteClassifier(ctx, id, sc); err != nil {
		return err
	}
	log.Debug("trial complete", "cv", res.CV)

	if done, err := w.exhausted(ctx, dr); err != nil || done {
		if err == nil {
			err = w.complete(ctx, dr)
		}
		return err
	}
	return nil
}

func (w *Worker) exhausted(ctx context.Context, dr store.Datarun) (bool, error) {
	switch dr.BudgetType {
	case store.BudgetWalltime:
		if d, ok := dr.Deadline(); ok {
			return !w.now().Before(d), nil
		}
		return false, nil
	default:
		n, err := w.DB.CountClassifiers(ctx, dr.ID)
		if err != nil {
			return false, err
		}
		return n >= dr.Budget, nil
	}
}

func (w *Worker) complete(ctx context.Context, dr store.Datarun) error {
	if err := w.DB.CompleteDatarun(ctx, dr.ID); err != nil {
		return err
	}
	w.Log.Info("datarun complete", "datarun", dr.ID)
	return nil
}

// sample draws a value for every tunable and merges the fixed choices.
func (w *Worker) sample(hp store.Hyperpartition) map[string]any {
	out := make(map[string]any, len(hp.Tunables)+len(hp.Categoricals)+len(hp.Constants))
	for k, v := range hp.Constants {
		out[k] = v
	}
	for k, v := range hp.Categoricals {
		out[k] = v
	}
	for k, r := range hp.Tunables {
		out[k] = sampleRange(w.rnd, r)
	}
	return out
}

func sampleRange(rnd *rand.Rand, r store.Range) any {
	lo, hi := r.Min, r.Max
	if hi < lo {
		lo, hi = hi, lo
	}
	if r.Type == "int" {
		a, b := int64(math.Ceil(lo)), int64(math.Floor(hi))
		if b <= a {
			return a
		}
		return a + rnd.Int64N(b-a+1)
	}
	return lo + rnd.Float64()*(hi-lo)
}

func (w *Worker) save(t Trial, r Result) (string, error) {
	path := filepath.Join(w.Spec.ModelDir, fmt.Sprintf("datarun-%d-classifier-%d.json", t.DatarunID, t.ClassifierID))
	b, err := json.MarshalIndent(struct {
		Trial  Trial  `json:"trial"`
		Result Result `json:"result"`
	}{t, r}, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
