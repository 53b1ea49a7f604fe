package tuning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loykin/atm/internal/store"
)

// Trial is one hyperparameter assignment to evaluate.
type Trial struct {
	ClassifierID     int64          `json:"classifier_id"`
	DatarunID        int64          `json:"datarun_id"`
	HyperpartitionID int64          `json:"hyperpartition_id"`
	Method           string         `json:"method"`
	Metric           string         `json:"metric"`
	Dataset          store.Dataset  `json:"dataset"`
	Params           map[string]any `json:"params"`
}

// Result holds the judgment metrics of a trial. Nil fields are unknown.
type Result struct {
	CV      *float64 `json:"cv,omitempty"`
	CVStdev *float64 `json:"cv_stdev,omitempty"`
	Test    *float64 `json:"test,omitempty"`
}

// Evaluator trains and scores one trial.
type Evaluator interface {
	Evaluate(ctx context.Context, t Trial) (Result, error)
}

// NopEvaluator accepts every trial without scoring it.
type NopEvaluator struct{}

func (NopEvaluator) Evaluate(context.Context, Trial) (Result, error) { return Result{}, nil }

// CommandEvaluator runs an external program per trial. The trial is written
// to its stdin as JSON and a Result is read back from its stdout.
type CommandEvaluator struct {
	Argv []string
	Env  []string
	Dir  string
}

func (c CommandEvaluator) Evaluate(ctx context.Context, t Trial) (Result, error) {
	if len(c.Argv) == 0 {
		return Result{}, errors.New("evaluator command is empty")
	}
	in, err := json.Marshal(t)
	if err != nil {
		return Result{}, err
	}
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return Result{}, fmt.Errorf("evaluator: %w: %s", err, msg)
		}
		return Result{}, fmt.Errorf("evaluator: %w", err)
	}
	var r Result
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &r); err != nil {
		return Result{}, fmt.Errorf("evaluator output: %w", err)
	}
	return r, nil
}
