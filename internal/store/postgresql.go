package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:      "postgres",
	driver:    "pgx",
	numbered:  true,
	returning: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS datasets(
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			train_path TEXT NOT NULL,
			test_path TEXT,
			class_column TEXT NOT NULL,
			n_examples INTEGER NOT NULL DEFAULT 0,
			k_classes INTEGER NOT NULL DEFAULT 0,
			d_features INTEGER NOT NULL DEFAULT 0,
			size_kb BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS dataruns(
			id BIGSERIAL PRIMARY KEY,
			dataset_id BIGINT NOT NULL REFERENCES datasets(id),
			description TEXT,
			priority INTEGER NOT NULL DEFAULT 1,
			tuner TEXT NOT NULL,
			metric TEXT NOT NULL,
			budget_type TEXT NOT NULL,
			budget INTEGER NOT NULL,
			status TEXT NOT NULL,
			start_time TIMESTAMPTZ NULL,
			end_time TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_dataruns_status ON dataruns(status);`,
		`CREATE TABLE IF NOT EXISTS hyperpartitions(
			id BIGSERIAL PRIMARY KEY,
			datarun_id BIGINT NOT NULL REFERENCES dataruns(id),
			method TEXT NOT NULL,
			tunables TEXT NOT NULL,
			categoricals TEXT,
			constants TEXT,
			status TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_hyperpartitions_datarun ON hyperpartitions(datarun_id);`,
		`CREATE TABLE IF NOT EXISTS classifiers(
			id BIGSERIAL PRIMARY KEY,
			datarun_id BIGINT NOT NULL REFERENCES dataruns(id),
			hyperpartition_id BIGINT NOT NULL REFERENCES hyperpartitions(id),
			host TEXT,
			model_location TEXT,
			hyperparameter_values TEXT NOT NULL,
			cv_judgment_metric DOUBLE PRECISION NULL,
			cv_judgment_metric_stdev DOUBLE PRECISION NULL,
			test_judgment_metric DOUBLE PRECISION NULL,
			status TEXT NOT NULL,
			error_message TEXT,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_classifiers_datarun ON classifiers(datarun_id);`,
	},
}

// openPostgres opens a PostgreSQL database through pgx's database/sql driver.
func openPostgres(dsn string) (*DB, error) {
	d, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgresql database: %w", err)
	}
	d.SetMaxOpenConns(25)
	d.SetMaxIdleConns(5)
	d.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.PingContext(ctx); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("ping postgresql database: %w", err)
	}
	return &DB{db: d, d: postgresDialect}, nil
}
