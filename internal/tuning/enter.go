package tuning

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/atm/internal/store"
)

// DataSpec describes a dataset and the dataruns to create for it.
type DataSpec struct {
	Name        string
	Description string
	TrainPath   string
	TestPath    string
	ClassColumn string

	Methods    []string
	Priority   int
	Tuner      string
	Metric     string
	BudgetType string
	Budget     int
	// RunPerPartition creates one datarun per hyperpartition instead of a
	// single datarun covering all of them.
	RunPerPartition bool
}

func (s *DataSpec) defaults() error {
	if s.TrainPath == "" {
		return errors.New("train path is required")
	}
	if s.ClassColumn == "" {
		s.ClassColumn = "class"
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(s.TrainPath), filepath.Ext(s.TrainPath))
	}
	if len(s.Methods) == 0 {
		s.Methods = []string{"logreg", "dt", "knn"}
	}
	if s.Priority == 0 {
		s.Priority = 1
	}
	if s.Tuner == "" {
		s.Tuner = "uniform"
	}
	if s.Metric == "" {
		s.Metric = "f1"
	}
	switch s.BudgetType {
	case "":
		s.BudgetType = store.BudgetClassifier
	case store.BudgetClassifier, store.BudgetWalltime:
	default:
		return fmt.Errorf("unknown budget type %q", s.BudgetType)
	}
	if s.Budget <= 0 {
		s.Budget = 100
	}
	return nil
}

// Entered reports the rows created by EnterData.
type Entered struct {
	DatasetID       int64
	DatarunIDs      []int64
	Hyperpartitions int
}

// EnterData registers a dataset from a CSV file with a class column and
// creates its dataruns and hyperpartitions.
func EnterData(ctx context.Context, db *store.DB, spec DataSpec) (Entered, error) {
	var out Entered
	if err := spec.defaults(); err != nil {
		return out, err
	}
	var parts []store.Hyperpartition
	for _, m := range spec.Methods {
		p, err := Partitions(m)
		if err != nil {
			return out, err
		}
		parts = append(parts, p...)
	}

	ds, err := describeCSV(spec.TrainPath, spec.ClassColumn)
	if err != nil {
		return out, err
	}
	ds.Name, ds.Description, ds.TestPath = spec.Name, spec.Description, spec.TestPath
	if out.DatasetID, err = db.CreateDataset(ctx, ds); err != nil {
		return out, fmt.Errorf("create dataset: %w", err)
	}

	newRun := func() (int64, error) {
		id, err := db.CreateDatarun(ctx, store.Datarun{
			DatasetID:   out.DatasetID,
			Description: spec.Description,
			Priority:    spec.Priority,
			Tuner:       spec.Tuner,
			Metric:      spec.Metric,
			BudgetType:  spec.BudgetType,
			Budget:      spec.Budget,
		})
		if err != nil {
			return 0, fmt.Errorf("create datarun: %w", err)
		}
		out.DatarunIDs = append(out.DatarunIDs, id)
		return id, nil
	}

	var runID int64
	if !spec.RunPerPartition {
		if runID, err = newRun(); err != nil {
			return out, err
		}
	}
	for _, hp := range parts {
		if spec.RunPerPartition {
			if runID, err = newRun(); err != nil {
				return out, err
			}
		}
		hp.DatarunID = runID
		if _, err := db.CreateHyperpartition(ctx, hp); err != nil {
			return out, fmt.Errorf("create hyperpartition: %w", err)
		}
		out.Hyperpartitions++
	}
	return out, nil
}

// describeCSV computes the shape of a CSV dataset with a header row.
func describeCSV(path, classColumn string) (store.Dataset, error) {
	ds := store.Dataset{TrainPath: path, ClassColumn: classColumn}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return ds, err
	}
	defer func() { _ = f.Close() }()
	if fi, err := f.Stat(); err == nil {
		ds.SizeKB = fi.Size() / 1024
	}

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return ds, fmt.Errorf("read header of %s: %w", path, err)
	}
	col := -1
	for i, h := range header {
		if strings.TrimSpace(h) == classColumn {
			col = i
			break
		}
	}
	if col < 0 {
		return ds, fmt.Errorf("class column %q not found in %s", classColumn, path)
	}
	ds.DFeatures = len(header) - 1

	classes := make(map[string]struct{})
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ds, fmt.Errorf("read %s: %w", path, err)
		}
		ds.NExamples++
		classes[rec[col]] = struct{}{}
	}
	ds.KClasses = len(classes)
	return ds, nil
}
