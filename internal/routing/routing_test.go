package routing

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func testTable() *Table {
	return &Table{
		Companies: []Company{
			{Match: "prominence", Name: "Prominence Maritime S.A.", CC: []string{"fleet@prominence.example", "ops@prominence.example"}},
			{Match: "seatraders", Name: "Sea Traders S.A.", CC: []string{"fleet@seatraders.example"}},
		},
		InternalRecipients: []string{"alerts@linnemanlabs.example", "ops@prominence.example"},
		DefaultCompany:     "Prominence Maritime S.A.",
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "routing.yaml")
	doc := `companies:
  - match: prominence
    name: Prominence Maritime S.A.
    cc:
      - fleet@prominence.example
internal_recipients:
  - alerts@linnemanlabs.example
default_company: Prominence Maritime S.A.
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	tbl, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(tbl.Companies) != 1 {
		t.Fatalf("Companies = %d entries, want 1", len(tbl.Companies))
	}
	if got := tbl.Companies[0].Name; got != "Prominence Maritime S.A." {
		t.Errorf("Companies[0].Name = %q, want %q", got, "Prominence Maritime S.A.")
	}
	if got := tbl.CCFor("master.aurora@prominence.example"); len(got) != 2 {
		t.Errorf("CCFor = %v, want company cc + internal", got)
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "routing.yaml")
	if err := os.WriteFile(path, []byte("compannies: []\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load with misspelled key = nil error, want parse error")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load missing file = nil error, want error")
	}
}

func TestCCFor_MatchesCompanyAndInternal(t *testing.T) {
	t.Parallel()

	got := testTable().CCFor("master.kestrel@seatraders.example")
	want := []string{"fleet@seatraders.example", "alerts@linnemanlabs.example", "ops@prominence.example"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("CCFor = %v, want %v", got, want)
	}
}

func TestCCFor_Deduplicates(t *testing.T) {
	t.Parallel()

	// ops@prominence.example appears in both the company CC and the
	// internal list; it must be included once.
	got := testTable().CCFor("master.aurora@prominence.example")
	want := []string{"fleet@prominence.example", "ops@prominence.example", "alerts@linnemanlabs.example"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("CCFor = %v, want %v", got, want)
	}
}

func TestCCFor_ExcludesRecipient(t *testing.T) {
	t.Parallel()

	got := testTable().CCFor("Fleet@prominence.example")
	for _, cc := range got {
		if cc == "fleet@prominence.example" {
			t.Errorf("CCFor included the recipient itself: %v", got)
		}
	}
}

func TestCCFor_NoMatchStillIncludesInternal(t *testing.T) {
	t.Parallel()

	got := testTable().CCFor("someone@elsewhere.example")
	want := []string{"alerts@linnemanlabs.example", "ops@prominence.example"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("CCFor = %v, want internal recipients only, got %v", got, want)
	}
}

func TestCompanyFor(t *testing.T) {
	t.Parallel()

	tbl := testTable()

	tests := []struct {
		name      string
		recipient string
		want      string
	}{
		{"prominence match", "master.aurora@prominence.example", "Prominence Maritime S.A."},
		{"seatraders match", "master.kestrel@SEATRADERS.example", "Sea Traders S.A."},
		{"no match falls back to default", "crew@elsewhere.example", "Prominence Maritime S.A."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tbl.CompanyFor(tt.recipient); got != tt.want {
				t.Errorf("CompanyFor(%q) = %q, want %q", tt.recipient, got, tt.want)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	t.Parallel()

	tbl := Default()
	if got := tbl.CompanyFor("x@seatraders.example"); got != "Sea Traders S.A." {
		t.Errorf("CompanyFor on default table = %q, want %q", got, "Sea Traders S.A.")
	}
	if got := tbl.CCFor("x@prominence.example"); len(got) != 0 {
		t.Errorf("default table CCFor = %v, want empty (no CC configured)", got)
	}
}
