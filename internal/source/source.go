// Package source holds the error contract shared by the data-source
// implementations. The DataSource interface itself lives with its consumer in
// package alert; pgsource and sqlitesource implement it.
package source

import "fmt"

// QueryError wraps any failure to execute a data-source query: connectivity,
// syntax, or scan problems. The pipeline aborts the current run on it and
// retries at the next scheduled trigger.
type QueryError struct {
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("data source query failed: %v", e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
