// Package sqlitesource implements the alert data source on an embedded
// SQLite database. It exists for local development and tests; production
// deployments point at Postgres.
package sqlitesource

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/lookout/internal/alert"
	"github.com/linnemanlabs/lookout/internal/source"
)

// Source executes alert queries against a SQLite file.
type Source struct {
	db *sql.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Source, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Source{db: db}, nil
}

// Close releases the underlying handle.
func (s *Source) Close() error { return s.db.Close() }

// DB exposes the handle for fixture loading in tests and tooling.
func (s *Source) DB() *sql.DB { return s.db }

// Query runs one parameterized query and materializes every row as a column
// name → value map. Timestamp columns come back as whatever TEXT the
// warehouse export stored; downstream cell coercion treats naive strings as
// UTC.
func (s *Source) Query(ctx context.Context, query string, params map[string]any) ([]alert.Row, error) {
	args := make([]any, 0, len(params))
	for name, value := range params {
		args = append(args, sql.Named(name, value))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &source.QueryError{Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &source.QueryError{Err: err}
	}

	var out []alert.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &source.QueryError{Err: err}
		}
		row := make(alert.Row, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &source.QueryError{Err: err}
	}
	return out, nil
}
