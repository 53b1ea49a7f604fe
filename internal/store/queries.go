package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type scanner interface {
	Scan(dest ...any) error
}

const datasetCols = `id, name, description, train_path, test_path, class_column, n_examples, k_classes, d_features, size_kb, created_at`

func scanDataset(r scanner) (Dataset, error) {
	var (
		d          Dataset
		desc, test sql.NullString
	)
	err := r.Scan(&d.ID, &d.Name, &desc, &d.TrainPath, &test, &d.ClassColumn, &d.NExamples, &d.KClasses, &d.DFeatures, &d.SizeKB, &d.CreatedAt)
	d.Description, d.TestPath = desc.String, test.String
	d.CreatedAt = d.CreatedAt.UTC()
	return d, err
}

const datarunCols = `id, dataset_id, description, priority, tuner, metric, budget_type, budget, status, start_time, end_time`

func scanDatarun(r scanner) (Datarun, error) {
	var (
		d          Datarun
		desc       sql.NullString
		start, end sql.NullTime
	)
	err := r.Scan(&d.ID, &d.DatasetID, &desc, &d.Priority, &d.Tuner, &d.Metric, &d.BudgetType, &d.Budget, &d.Status, &start, &end)
	d.Description = desc.String
	d.StartTime, d.EndTime = timePtr(start), timePtr(end)
	return d, err
}

const partitionCols = `id, datarun_id, method, tunables, categoricals, constants, status`

func scanPartition(r scanner) (Hyperpartition, error) {
	var (
		h                   Hyperpartition
		tun, cat, constants sql.NullString
	)
	if err := r.Scan(&h.ID, &h.DatarunID, &h.Method, &tun, &cat, &constants, &h.Status); err != nil {
		return h, err
	}
	if err := decodeJSON(tun, &h.Tunables); err != nil {
		return h, fmt.Errorf("hyperpartition %d tunables: %w", h.ID, err)
	}
	if err := decodeJSON(cat, &h.Categoricals); err != nil {
		return h, fmt.Errorf("hyperpartition %d categoricals: %w", h.ID, err)
	}
	if err := decodeJSON(constants, &h.Constants); err != nil {
		return h, fmt.Errorf("hyperpartition %d constants: %w", h.ID, err)
	}
	return h, nil
}

const classifierCols = `id, datarun_id, hyperpartition_id, host, model_location, hyperparameter_values,
	cv_judgment_metric, cv_judgment_metric_stdev, test_judgment_metric, status, error_message, start_time, end_time`

func scanClassifier(r scanner) (Classifier, error) {
	var (
		c                 Classifier
		host, model, msg  sql.NullString
		params            sql.NullString
		cv, stdev, tscore sql.NullFloat64
		end               sql.NullTime
	)
	if err := r.Scan(&c.ID, &c.DatarunID, &c.HyperpartitionID, &host, &model, &params,
		&cv, &stdev, &tscore, &c.Status, &msg, &c.StartTime, &end); err != nil {
		return c, err
	}
	c.Host, c.ModelLocation, c.ErrorMessage = host.String, model.String, msg.String
	c.CVScore, c.CVStdev, c.TestScore = floatPtr(cv), floatPtr(stdev), floatPtr(tscore)
	c.StartTime = c.StartTime.UTC()
	c.EndTime = timePtr(end)
	if err := decodeJSON(params, &c.Hyperparameters); err != nil {
		return c, fmt.Errorf("classifier %d hyperparameters: %w", c.ID, err)
	}
	return c, nil
}

func collect[T any](rows *sql.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer func() { _ = rows.Close() }()
	out := make([]T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func one[T any](row *sql.Row, scan func(scanner) (T, error), what string, id int64) (T, error) {
	v, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return v, fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return v, err
}

// Datasets

func (s *DB) CreateDataset(ctx context.Context, d Dataset) (int64, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	return s.insert(ctx, `INSERT INTO datasets(name, description, train_path, test_path, class_column, n_examples, k_classes, d_features, size_kb, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Name, nullIfEmpty(d.Description), d.TrainPath, nullIfEmpty(d.TestPath), d.ClassColumn,
		d.NExamples, d.KClasses, d.DFeatures, d.SizeKB, d.CreatedAt.UTC())
}

func (s *DB) ListDatasets(ctx context.Context, p Page) ([]Dataset, error) {
	p = p.normalize()
	rows, err := s.query(ctx, `SELECT `+datasetCols+` FROM datasets ORDER BY id LIMIT ? OFFSET ?`, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanDataset)
}

func (s *DB) GetDataset(ctx context.Context, id int64) (Dataset, error) {
	return one(s.queryRow(ctx, `SELECT `+datasetCols+` FROM datasets WHERE id = ?`, id), scanDataset, "dataset", id)
}

// Dataruns

func (s *DB) CreateDatarun(ctx context.Context, d Datarun) (int64, error) {
	if d.Status == "" {
		d.Status = DatarunPending
	}
	return s.insert(ctx, `INSERT INTO dataruns(dataset_id, description, priority, tuner, metric, budget_type, budget, status)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DatasetID, nullIfEmpty(d.Description), d.Priority, d.Tuner, d.Metric, d.BudgetType, d.Budget, d.Status)
}

func (s *DB) ListDataruns(ctx context.Context, p Page) ([]Datarun, error) {
	p = p.normalize()
	rows, err := s.query(ctx, `SELECT `+datarunCols+` FROM dataruns ORDER BY id LIMIT ? OFFSET ?`, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanDatarun)
}

func (s *DB) GetDatarun(ctx context.Context, id int64) (Datarun, error) {
	return one(s.queryRow(ctx, `SELECT `+datarunCols+` FROM dataruns WHERE id = ?`, id), scanDatarun, "datarun", id)
}

// PendingDataruns lists dataruns that are not complete, highest priority
// first then by id. A non-empty ids restricts the result to those runs.
func (s *DB) PendingDataruns(ctx context.Context, ids []int64) ([]Datarun, error) {
	q := `SELECT ` + datarunCols + ` FROM dataruns WHERE status <> ?`
	args := []any{DatarunComplete}
	if len(ids) > 0 {
		q += ` AND id IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ") + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	q += ` ORDER BY priority DESC, id ASC`
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanDatarun)
}

// StartDatarun marks a pending datarun as running and stamps its start time.
// Already started runs are left unchanged.
func (s *DB) StartDatarun(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `UPDATE dataruns SET status = ?, start_time = ? WHERE id = ? AND status = ?`,
		DatarunRunning, time.Now().UTC(), id, DatarunPending)
	return err
}

func (s *DB) CompleteDatarun(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `UPDATE dataruns SET status = ?, end_time = ? WHERE id = ? AND status <> ?`,
		DatarunComplete, time.Now().UTC(), id, DatarunComplete)
	return err
}

// Hyperpartitions

func (s *DB) CreateHyperpartition(ctx context.Context, h Hyperpartition) (int64, error) {
	if h.Status == "" {
		h.Status = PartitionIncomplete
	}
	tun, err := encodeJSON(h.Tunables)
	if err != nil {
		return 0, err
	}
	cat, err := encodeJSON(h.Categoricals)
	if err != nil {
		return 0, err
	}
	constants, err := encodeJSON(h.Constants)
	if err != nil {
		return 0, err
	}
	return s.insert(ctx, `INSERT INTO hyperpartitions(datarun_id, method, tunables, categoricals, constants, status)
		VALUES(?, ?, ?, ?, ?, ?)`, h.DatarunID, h.Method, tun, cat, constants, h.Status)
}

func (s *DB) ListHyperpartitions(ctx context.Context, p Page) ([]Hyperpartition, error) {
	p = p.normalize()
	rows, err := s.query(ctx, `SELECT `+partitionCols+` FROM hyperpartitions ORDER BY id LIMIT ? OFFSET ?`, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPartition)
}

func (s *DB) GetHyperpartition(ctx context.Context, id int64) (Hyperpartition, error) {
	return one(s.queryRow(ctx, `SELECT `+partitionCols+` FROM hyperpartitions WHERE id = ?`, id), scanPartition, "hyperpartition", id)
}

// OpenHyperpartitions lists the searchable hyperpartitions of a datarun.
func (s *DB) OpenHyperpartitions(ctx context.Context, datarunID int64) ([]Hyperpartition, error) {
	rows, err := s.query(ctx, `SELECT `+partitionCols+` FROM hyperpartitions WHERE datarun_id = ? AND status = ? ORDER BY id`,
		datarunID, PartitionIncomplete)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPartition)
}

func (s *DB) MarkHyperpartitionErrored(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `UPDATE hyperpartitions SET status = ? WHERE id = ?`, PartitionErrored, id)
	return err
}

// Classifiers

// StartClassifier records a running trial and returns its id.
func (s *DB) StartClassifier(ctx context.Context, c Classifier) (int64, error) {
	params, err := encodeJSON(c.Hyperparameters)
	if err != nil {
		return 0, err
	}
	if c.StartTime.IsZero() {
		c.StartTime = time.Now()
	}
	return s.insert(ctx, `INSERT INTO classifiers(datarun_id, hyperpartition_id, host, hyperparameter_values, status, start_time)
		VALUES(?, ?, ?, ?, ?, ?)`,
		c.DatarunID, c.HyperpartitionID, nullIfEmpty(c.Host), params, ClassifierRunning, c.StartTime.UTC())
}

func (s *DB) CompleteClassifier(ctx context.Context, id int64, sc Scores) error {
	_, err := s.exec(ctx, `UPDATE classifiers SET status = ?, cv_judgment_metric = ?, cv_judgment_metric_stdev = ?,
		test_judgment_metric = ?, model_location = ?, end_time = ? WHERE id = ?`,
		ClassifierComplete, nullFloat(sc.CV), nullFloat(sc.CVStdev), nullFloat(sc.Test), nullIfEmpty(sc.ModelPath), time.Now().UTC(), id)
	return err
}

func (s *DB) FailClassifier(ctx context.Context, id int64, msg string) error {
	_, err := s.exec(ctx, `UPDATE classifiers SET status = ?, error_message = ?, end_time = ? WHERE id = ?`,
		ClassifierErrored, msg, time.Now().UTC(), id)
	return err
}

func (s *DB) ListClassifiers(ctx context.Context, p Page) ([]Classifier, error) {
	p = p.normalize()
	rows, err := s.query(ctx, `SELECT `+classifierCols+` FROM classifiers ORDER BY id LIMIT ? OFFSET ?`, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanClassifier)
}

func (s *DB) GetClassifier(ctx context.Context, id int64) (Classifier, error) {
	return one(s.queryRow(ctx, `SELECT `+classifierCols+` FROM classifiers WHERE id = ?`, id), scanClassifier, "classifier", id)
}

// CountClassifiers counts the non-errored trials of a datarun.
func (s *DB) CountClassifiers(ctx context.Context, datarunID int64) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM classifiers WHERE datarun_id = ? AND status <> ?`,
		datarunID, ClassifierErrored).Scan(&n)
	return n, err
}

// BestClassifier returns the completed trial with the highest cv score.
func (s *DB) BestClassifier(ctx context.Context, datarunID int64) (Classifier, error) {
	return one(s.queryRow(ctx, `SELECT `+classifierCols+` FROM classifiers
		WHERE datarun_id = ? AND status = ? AND cv_judgment_metric IS NOT NULL
		ORDER BY cv_judgment_metric DESC, id ASC LIMIT 1`, datarunID, ClassifierComplete),
		scanClassifier, "best classifier of datarun", datarunID)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
