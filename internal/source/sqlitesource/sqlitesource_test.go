package sqlitesource

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/linnemanlabs/lookout/internal/source"
)

func openFixture(t *testing.T) *Source {
	t.Helper()

	src, err := Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	stmts := []string{
		`CREATE TABLE dispensations (
			vessel_id INTEGER,
			vessel_name TEXT,
			vessel_email TEXT,
			expiry_date TEXT
		)`,
		`INSERT INTO dispensations VALUES (1, 'MV Aurora', 'master.aurora@prominence.example', '2026-06-01')`,
		`INSERT INTO dispensations VALUES (2, 'MV Kestrel', 'master.kestrel@seatraders.example', '2026-06-15')`,
		`INSERT INTO dispensations VALUES (3, 'MV Meltemi', 'master.meltemi@prominence.example', '2026-09-01')`,
	}
	for _, stmt := range stmts {
		if _, err := src.DB().Exec(stmt); err != nil {
			t.Fatalf("exec fixture: %v", err)
		}
	}
	return src
}

func TestQuery_NamedParams(t *testing.T) {
	t.Parallel()

	src := openFixture(t)

	rows, err := src.Query(context.Background(),
		`SELECT vessel_id, vessel_name FROM dispensations WHERE expiry_date <= @cutoff ORDER BY vessel_id`,
		map[string]any{"cutoff": "2026-06-30"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	if len(rows) != 2 {
		t.Fatalf("Query returned %d rows, want 2", len(rows))
	}
	if got := rows[0]["vessel_id"]; got != int64(1) {
		t.Errorf("rows[0][vessel_id] = %v (%T), want int64(1)", got, got)
	}
	if got := rows[1]["vessel_name"]; got != "MV Kestrel" {
		t.Errorf("rows[1][vessel_name] = %v, want MV Kestrel", got)
	}
}

func TestQuery_NoRows(t *testing.T) {
	t.Parallel()

	src := openFixture(t)

	rows, err := src.Query(context.Background(),
		`SELECT * FROM dispensations WHERE vessel_id = @id`,
		map[string]any{"id": 999})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("Query returned %d rows, want 0", len(rows))
	}
}

func TestQuery_SyntaxErrorIsQueryError(t *testing.T) {
	t.Parallel()

	src := openFixture(t)

	_, err := src.Query(context.Background(), `SELEKT broken`, nil)
	if err == nil {
		t.Fatal("Query with bad SQL = nil error, want *source.QueryError")
	}
	var qe *source.QueryError
	if !errors.As(err, &qe) {
		t.Errorf("Query error = %T (%v), want *source.QueryError", err, err)
	}
}

func TestQuery_MissingTableIsQueryError(t *testing.T) {
	t.Parallel()

	src := openFixture(t)

	_, err := src.Query(context.Background(), `SELECT * FROM no_such_table`, nil)
	var qe *source.QueryError
	if !errors.As(err, &qe) {
		t.Errorf("Query error = %T (%v), want *source.QueryError", err, err)
	}
}
