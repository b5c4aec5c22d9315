package alert

import (
	"fmt"
	"strings"
	"time"
)

// Kind tells the renderer how to format a column's values.
type Kind int

const (
	// KindText renders the value as-is.
	KindText Kind = iota
	// KindDate renders timestamps as 2006-01-02 in the display timezone.
	KindDate
	// KindDateTime renders timestamps as 2006-01-02 15:04:05 in the display timezone.
	KindDateTime
	// KindLink renders the value as a clickable URL.
	KindLink
)

// Column pairs a row key with its heading and display kind.
type Column struct {
	Key   string
	Title string
	Kind  Kind
}

// CellString renders a raw row value for tracking keys and plain output.
// Nil becomes the empty string.
func CellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// CellTime coerces a raw row value to a time. Drivers differ here: Postgres
// scans timestamps as time.Time while SQLite hands back strings; naive
// database strings are interpreted as UTC, which is how the warehouse stores
// them.
func CellTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02 15:04:05",
			"2006-01-02T15:04:05",
			"2006-01-02",
		} {
			if ts, err := time.ParseInLocation(layout, x, time.UTC); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// FormatCell renders a row value for display. Date and DateTime columns are
// converted to loc first; anything that fails time coercion falls back to its
// plain string form.
func FormatCell(v any, kind Kind, loc *time.Location) string {
	if v == nil {
		return ""
	}
	switch kind {
	case KindDate, KindDateTime:
		ts, ok := CellTime(v)
		if !ok {
			return CellString(v)
		}
		if loc != nil {
			ts = ts.In(loc)
		}
		if kind == KindDate {
			return ts.Format("2006-01-02")
		}
		return ts.Format("2006-01-02 15:04:05")
	default:
		return CellString(v)
	}
}

// RequireColumns verifies every wanted column is present. Rows from one query
// share a column set, so checking the first row suffices; no rows means
// nothing to validate.
func RequireColumns(rows []Row, cols ...string) error {
	if len(rows) == 0 {
		return nil
	}
	var missing []string
	for _, c := range cols {
		if _, ok := rows[0][c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Links builds per-record detail URLs when a base URL is configured.
type Links struct {
	BaseURL string
	Path    string
	Enabled bool
}

// For returns the detail URL for a record id, or "" when links are disabled
// or unconfigured.
func (l Links) For(id any) string {
	if !l.Enabled || l.BaseURL == "" {
		return ""
	}
	base := strings.TrimRight(l.BaseURL, "/")
	path := strings.Trim(l.Path, "/")
	if path == "" {
		return base + "/" + CellString(id)
	}
	return base + "/" + path + "/" + CellString(id)
}
