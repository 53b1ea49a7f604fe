// Package store is the relational data store shared by tuning workers and
// the API server: datasets, dataruns, hyperpartitions and classifiers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrNoWork is returned when no datarun is eligible for a worker.
	ErrNoWork = errors.New("no pending dataruns")
)

// dialect captures what differs between the supported databases.
type dialect struct {
	name   string
	driver string
	schema []string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// INSERT ... RETURNING id instead of LastInsertId
	returning bool
}

// DB is a data store handle. It is safe for concurrent use.
type DB struct {
	db *sql.DB
	d  dialect
}

// Open selects a dialect from dsn and opens the database. Supported:
//   - "sqlite:///path/to/atm.db", "sqlite://:memory:" or a bare path
//   - "postgres://..." or "postgresql://..."
func Open(dsn string) (*DB, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case d == "":
		return nil, errors.New("empty DSN")
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		return openPostgres(d)
	case strings.HasPrefix(ld, "sqlite://"):
		return openSQLite(d[len("sqlite://"):])
	case !strings.Contains(d, "://"):
		return openSQLite(d)
	}
	return nil, fmt.Errorf("unsupported DSN: %s", dsn)
}

// Dialect reports "sqlite" or "postgres".
func (s *DB) Dialect() string { return s.d.name }

func (s *DB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *DB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates missing tables and indexes.
func (s *DB) EnsureSchema(ctx context.Context) error {
	for _, q := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *DB) rebind(q string) string {
	if !s.d.numbered || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *DB) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *DB) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *DB) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

// insert runs an INSERT and returns the new row id.
func (s *DB) insert(ctx context.Context, q string, args ...any) (int64, error) {
	if s.d.returning {
		var id int64
		err := s.queryRow(ctx, q+" RETURNING id", args...).Scan(&id)
		return id, err
	}
	res, err := s.exec(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
