package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Datarun statuses.
const (
	DatarunPending  = "pending"
	DatarunRunning  = "running"
	DatarunComplete = "complete"
)

// Hyperpartition statuses.
const (
	PartitionIncomplete = "incomplete"
	PartitionErrored    = "errored"
)

// Classifier statuses.
const (
	ClassifierRunning  = "running"
	ClassifierErrored  = "errored"
	ClassifierComplete = "complete"
)

// Budget types of a datarun.
const (
	BudgetClassifier = "classifier"
	BudgetWalltime   = "walltime"
)

type Dataset struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	TrainPath   string    `json:"train_path"`
	TestPath    string    `json:"test_path,omitempty"`
	ClassColumn string    `json:"class_column"`
	NExamples   int       `json:"n_examples"`
	KClasses    int       `json:"k_classes"`
	DFeatures   int       `json:"d_features"`
	SizeKB      int64     `json:"size_kb"`
	CreatedAt   time.Time `json:"created_at"`
}

// Datarun is a tuning job over one dataset. Budget counts classifiers for
// BudgetClassifier and minutes for BudgetWalltime.
type Datarun struct {
	ID          int64      `json:"id"`
	DatasetID   int64      `json:"dataset_id"`
	Description string     `json:"description,omitempty"`
	Priority    int        `json:"priority"`
	Tuner       string     `json:"tuner"`
	Metric      string     `json:"metric"`
	BudgetType  string     `json:"budget_type"`
	Budget      int        `json:"budget"`
	Status      string     `json:"status"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
}

// Deadline is the walltime cutoff of a started walltime datarun.
func (d Datarun) Deadline() (time.Time, bool) {
	if d.BudgetType != BudgetWalltime || d.StartTime == nil {
		return time.Time{}, false
	}
	return d.StartTime.Add(time.Duration(d.Budget) * time.Minute), true
}

// Range bounds a numeric tunable.
type Range struct {
	Type string  `json:"type"` // int | float
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// Hyperpartition is one method with its fixed categorical choices; only
// Tunables are searched.
type Hyperpartition struct {
	ID           int64            `json:"id"`
	DatarunID    int64            `json:"datarun_id"`
	Method       string           `json:"method"`
	Tunables     map[string]Range `json:"tunables"`
	Categoricals map[string]any   `json:"categoricals,omitempty"`
	Constants    map[string]any   `json:"constants,omitempty"`
	Status       string           `json:"status"`
}

type Classifier struct {
	ID               int64          `json:"id"`
	DatarunID        int64          `json:"datarun_id"`
	HyperpartitionID int64          `json:"hyperpartition_id"`
	Host             string         `json:"host,omitempty"`
	ModelLocation    string         `json:"model_location,omitempty"`
	Hyperparameters  map[string]any `json:"hyperparameter_values"`
	CVScore          *float64       `json:"cv_judgment_metric,omitempty"`
	CVStdev          *float64       `json:"cv_judgment_metric_stdev,omitempty"`
	TestScore        *float64       `json:"test_judgment_metric,omitempty"`
	Status           string         `json:"status"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	StartTime        time.Time      `json:"start_time"`
	EndTime          *time.Time     `json:"end_time,omitempty"`
}

// Scores are the judgment metrics of a finished classifier.
type Scores struct {
	CV        *float64
	CVStdev   *float64
	Test      *float64
	ModelPath string
}

// Page selects a window of a listing. Limit 0 means DefaultLimit.
type Page struct {
	Offset int
	Limit  int
}

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

func (p Page) normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON[T any](s sql.NullString, dst *T) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
