package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS datasets(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT,
			train_path TEXT NOT NULL,
			test_path TEXT,
			class_column TEXT NOT NULL,
			n_examples INTEGER NOT NULL DEFAULT 0,
			k_classes INTEGER NOT NULL DEFAULT 0,
			d_features INTEGER NOT NULL DEFAULT 0,
			size_kb INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS dataruns(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			dataset_id INTEGER NOT NULL REFERENCES datasets(id),
			description TEXT,
			priority INTEGER NOT NULL DEFAULT 1,
			tuner TEXT NOT NULL,
			metric TEXT NOT NULL,
			budget_type TEXT NOT NULL,
			budget INTEGER NOT NULL,
			status TEXT NOT NULL,
			start_time TIMESTAMP NULL,
			end_time TIMESTAMP NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_dataruns_status ON dataruns(status);`,
		`CREATE TABLE IF NOT EXISTS hyperpartitions(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			datarun_id INTEGER NOT NULL REFERENCES dataruns(id),
			method TEXT NOT NULL,
			tunables TEXT NOT NULL,
			categoricals TEXT,
			constants TEXT,
			status TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_hyperpartitions_datarun ON hyperpartitions(datarun_id);`,
		`CREATE TABLE IF NOT EXISTS classifiers(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			datarun_id INTEGER NOT NULL REFERENCES dataruns(id),
			hyperpartition_id INTEGER NOT NULL REFERENCES hyperpartitions(id),
			host TEXT,
			model_location TEXT,
			hyperparameter_values TEXT NOT NULL,
			cv_judgment_metric REAL NULL,
			cv_judgment_metric_stdev REAL NULL,
			test_judgment_metric REAL NULL,
			status TEXT NOT NULL,
			error_message TEXT,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_classifiers_datarun ON classifiers(datarun_id);`,
	},
}

// openSQLite opens a CGO-free SQLite database at path (":memory:" allowed).
func openSQLite(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	sep := "?"
	if strings.Contains(p, "?") {
		sep = "&"
	}
	// pragmas in the DSN apply to every pooled connection; workers and the
	// API server share the file
	d, err := sql.Open(sqliteDialect.driver, p+sep+"_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if p == ":memory:" {
		// each connection would see its own empty database
		d.SetMaxOpenConns(1)
	}
	if err := d.Ping(); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	return &DB{db: d, d: sqliteDialect}, nil
}
