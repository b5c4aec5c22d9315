package pgsource_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/linnemanlabs/lookout/internal/alert"
	"github.com/linnemanlabs/lookout/internal/postgres"
	"github.com/linnemanlabs/lookout/internal/source"
	"github.com/linnemanlabs/lookout/internal/source/pgsource"
)

func openSource(t *testing.T) *pgsource.Source {
	t.Helper()
	dsn := os.Getenv("LOOKOUT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LOOKOUT_TEST_DATABASE_URL not set, skipping integration test")
	}
	pool, err := postgres.NewPool(context.Background(), dsn)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pgsource.New(pool)
}

func TestQuery_NamedParams(t *testing.T) {
	src := openSource(t)
	ctx := context.Background()

	rows, err := src.Query(ctx,
		`SELECT * FROM (VALUES (1, 'Aurora'), (2, 'Blue Horizon')) AS v(vessel_id, name)
		 WHERE vessel_id >= @min ORDER BY vessel_id`,
		map[string]any{"min": 2},
	)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if got := alert.CellString(rows[0]["name"]); got != "Blue Horizon" {
		t.Errorf("name = %q, want %q", got, "Blue Horizon")
	}
	if got := alert.CellString(rows[0]["vessel_id"]); got != "2" {
		t.Errorf("vessel_id = %q, want %q", got, "2")
	}
}

func TestQuery_EmptyResult(t *testing.T) {
	src := openSource(t)
	ctx := context.Background()

	rows, err := src.Query(ctx,
		`SELECT * FROM (VALUES (1)) AS v(n) WHERE n > @min`,
		map[string]any{"min": 5},
	)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %d, want 0", len(rows))
	}
}

func TestQuery_FailureWrapsQueryError(t *testing.T) {
	src := openSource(t)
	ctx := context.Background()

	_, err := src.Query(ctx, `SELECT * FROM lookout_no_such_table`, nil)
	if err == nil {
		t.Fatal("expected error for missing table")
	}
	var qerr *source.QueryError
	if !errors.As(err, &qerr) {
		t.Errorf("error type = %T, want *source.QueryError", err)
	}
}
