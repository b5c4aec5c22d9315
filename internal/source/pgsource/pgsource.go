// Package pgsource implements the alert data source on a pgx connection
// pool. Queries bind parameters by @name through pgx named args.
package pgsource

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/lookout/internal/alert"
	"github.com/linnemanlabs/lookout/internal/source"
)

var tracer = otel.Tracer("github.com/linnemanlabs/lookout/internal/source/pgsource")

// Source executes alert queries against Postgres.
type Source struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Source {
	return &Source{pool: pool}
}

// Query runs one parameterized query and materializes every row as a
// column name → value map.
func (s *Source) Query(ctx context.Context, query string, params map[string]any) ([]alert.Row, error) {
	ctx, span := tracer.Start(ctx, "source.Query",
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
		))
	defer span.End()

	rows, err := s.pool.Query(ctx, query, pgx.NamedArgs(params))
	if err != nil {
		span.RecordError(err)
		return nil, &source.QueryError{Err: err}
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	var out []alert.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			span.RecordError(err)
			return nil, &source.QueryError{Err: err}
		}
		row := make(alert.Row, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, &source.QueryError{Err: err}
	}

	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}
