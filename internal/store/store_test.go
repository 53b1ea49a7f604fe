package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open("sqlite://" + filepath.Join(t.TempDir(), "atm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

// seed creates one dataset and a datarun with a single hyperpartition.
func seed(t *testing.T, db *DB, priority int) (Datarun, Hyperpartition) {
	t.Helper()
	ctx := context.Background()
	dsID, err := db.CreateDataset(ctx, Dataset{Name: "iris", TrainPath: "/data/iris.csv", ClassColumn: "class", NExamples: 150, KClasses: 3, DFeatures: 4})
	require.NoError(t, err)
	drID, err := db.CreateDatarun(ctx, Datarun{DatasetID: dsID, Priority: priority, Tuner: "uniform", Metric: "f1", BudgetType: BudgetClassifier, Budget: 2})
	require.NoError(t, err)
	hpID, err := db.CreateHyperpartition(ctx, Hyperpartition{
		DatarunID:    drID,
		Method:       "svm",
		Tunables:     map[string]Range{"C": {Type: "float", Min: 0.01, Max: 10}},
		Categoricals: map[string]any{"kernel": "rbf"},
	})
	require.NoError(t, err)
	dr, err := db.GetDatarun(ctx, drID)
	require.NoError(t, err)
	hp, err := db.GetHyperpartition(ctx, hpID)
	require.NoError(t, err)
	return dr, hp
}

func TestOpen_DSNForms(t *testing.T) {
	dir := t.TempDir()
	for _, dsn := range []string{
		"sqlite://:memory:",
		":memory:",
		filepath.Join(dir, "bare.db"),
		"sqlite://" + filepath.Join(dir, "prefixed.db"),
	} {
		db, err := Open(dsn)
		require.NoError(t, err, dsn)
		assert.Equal(t, "sqlite", db.Dialect())
		require.NoError(t, db.EnsureSchema(context.Background()), dsn)
		require.NoError(t, db.Close())
	}

	_, err := Open("")
	assert.Error(t, err)
	_, err = Open("mysql://localhost/atm")
	assert.Error(t, err)
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	db := openTemp(t)
	require.NoError(t, db.EnsureSchema(context.Background()))
}

func TestRebind(t *testing.T) {
	sq := &DB{d: sqliteDialect}
	pg := &DB{d: postgresDialect}
	q := `SELECT a FROM t WHERE x = ? AND y IN (?, ?)`
	assert.Equal(t, q, sq.rebind(q))
	assert.Equal(t, `SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)`, pg.rebind(q))
	assert.Equal(t, `SELECT 1`, pg.rebind(`SELECT 1`))
}

func TestDatasetsAndPaging(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		_, err := db.CreateDataset(ctx, Dataset{Name: name, TrainPath: "/x/" + name + ".csv", ClassColumn: "y"})
		require.NoError(t, err)
	}

	all, err := db.ListDatasets(ctx, Page{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Name)
	assert.False(t, all[0].CreatedAt.IsZero())

	page, err := db.ListDatasets(ctx, Page{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].Name)

	got, err := db.GetDataset(ctx, all[2].ID)
	require.NoError(t, err)
	assert.Equal(t, "/x/c.csv", got.TrainPath)
	assert.Empty(t, got.TestPath)

	_, err = db.GetDataset(ctx, 999)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPageNormalize(t *testing.T) {
	assert.Equal(t, Page{Offset: 0, Limit: DefaultLimit}, Page{Offset: -4}.normalize())
	assert.Equal(t, Page{Offset: 2, Limit: MaxLimit}, Page{Offset: 2, Limit: 1 << 20}.normalize())
}

func TestHyperpartitionRoundTrip(t *testing.T) {
	db := openTemp(t)
	_, hp := seed(t, db, 1)
	assert.Equal(t, "svm", hp.Method)
	assert.Equal(t, Range{Type: "float", Min: 0.01, Max: 10}, hp.Tunables["C"])
	assert.Equal(t, "rbf", hp.Categoricals["kernel"])
	assert.Nil(t, hp.Constants)
	assert.Equal(t, PartitionIncomplete, hp.Status)

	open, err := db.OpenHyperpartitions(context.Background(), hp.DatarunID)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, db.MarkHyperpartitionErrored(context.Background(), hp.ID))
	open, err = db.OpenHyperpartitions(context.Background(), hp.DatarunID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPendingDataruns_OrderAndSubset(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	low, _ := seed(t, db, 1)
	high, _ := seed(t, db, 5)
	done, _ := seed(t, db, 9)
	require.NoError(t, db.CompleteDatarun(ctx, done.ID))

	runs, err := db.PendingDataruns(ctx, nil)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, high.ID, runs[0].ID)
	assert.Equal(t, low.ID, runs[1].ID)

	runs, err = db.PendingDataruns(ctx, []int64{low.ID, done.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, low.ID, runs[0].ID)
}

func TestDatarunLifecycle(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	dr, _ := seed(t, db, 1)
	assert.Equal(t, DatarunPending, dr.Status)
	assert.Nil(t, dr.StartTime)

	require.NoError(t, db.StartDatarun(ctx, dr.ID))
	started, err := db.GetDatarun(ctx, dr.ID)
	require.NoError(t, err)
	assert.Equal(t, DatarunRunning, started.Status)
	require.NotNil(t, started.StartTime)

	// a second start keeps the first stamp
	require.NoError(t, db.StartDatarun(ctx, dr.ID))
	again, err := db.GetDatarun(ctx, dr.ID)
	require.NoError(t, err)
	assert.True(t, started.StartTime.Equal(*again.StartTime))

	require.NoError(t, db.CompleteDatarun(ctx, dr.ID))
	done, err := db.GetDatarun(ctx, dr.ID)
	require.NoError(t, err)
	assert.Equal(t, DatarunComplete, done.Status)
	assert.NotNil(t, done.EndTime)
}

func TestDeadline(t *testing.T) {
	dr := Datarun{BudgetType: BudgetClassifier, Budget: 3}
	_, ok := dr.Deadline()
	assert.False(t, ok)

	dr.BudgetType = BudgetWalltime
	_, ok = dr.Deadline()
	assert.False(t, ok, "unstarted run has no deadline")
}

func TestClassifierLifecycle(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	dr, hp := seed(t, db, 1)

	okID, err := db.StartClassifier(ctx, Classifier{DatarunID: dr.ID, HyperpartitionID: hp.ID, Host: "h1", Hyperparameters: map[string]any{"C": 1.5}})
	require.NoError(t, err)
	badID, err := db.StartClassifier(ctx, Classifier{DatarunID: dr.ID, HyperpartitionID: hp.ID, Hyperparameters: map[string]any{"C": 9.0}})
	require.NoError(t, err)

	n, err := db.CountClassifiers(ctx, dr.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cv, stdev := 0.91, 0.02
	require.NoError(t, db.CompleteClassifier(ctx, okID, Scores{CV: &cv, CVStdev: &stdev, ModelPath: "/run/models/1.json"}))
	require.NoError(t, db.FailClassifier(ctx, badID, "diverged"))

	n, err = db.CountClassifiers(ctx, dr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "errored trials do not count")

	c, err := db.GetClassifier(ctx, okID)
	require.NoError(t, err)
	assert.Equal(t, ClassifierComplete, c.Status)
	require.NotNil(t, c.CVScore)
	assert.InDelta(t, 0.91, *c.CVScore, 1e-9)
	assert.Nil(t, c.TestScore)
	assert.Equal(t, 1.5, c.Hyperparameters["C"])
	assert.Equal(t, "/run/models/1.json", c.ModelLocation)
	assert.NotNil(t, c.EndTime)

	bad, err := db.GetClassifier(ctx, badID)
	require.NoError(t, err)
	assert.Equal(t, ClassifierErrored, bad.Status)
	assert.Equal(t, "diverged", bad.ErrorMessage)

	best, err := db.BestClassifier(ctx, dr.ID)
	require.NoError(t, err)
	assert.Equal(t, okID, best.ID)

	list, err := db.ListClassifiers(ctx, Page{})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestBestClassifier_None(t *testing.T) {
	db := openTemp(t)
	dr, _ := seed(t, db, 1)
	_, err := db.BestClassifier(context.Background(), dr.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}
