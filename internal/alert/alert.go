// Package alert defines the capability surface an alert type implements and
// the row shape that flows through a pipeline run. The pipeline is generic
// over the Alert interface; concrete alert types are selected at registration
// time, never by runtime inspection.
package alert

import (
	"context"
	"time"
)

// Row is one record from the data source, keyed by column name.
type Row map[string]any

// DataSource executes a parameterized query and returns its rows. Queries
// bind parameters by @name from the params map.
type DataSource interface {
	Query(ctx context.Context, query string, params map[string]any) ([]Row, error)
}

// Window bounds a fetch: the reference instant, how far back to look, and
// shared filter values every alert may use.
type Window struct {
	Now      time.Time
	Lookback time.Duration
	RankID   int
}

// Start returns the lower bound of the window.
func (w Window) Start() time.Time { return w.Now.Add(-w.Lookback) }

// Group is one routed notification: every eligible row destined for a single
// recipient plus the resolved CC list. Extra carries alert-specific display
// values (vessel name, company) the renderer may use.
type Group struct {
	Target string
	CC     []string
	Rows   []Row
	Extra  map[string]string
}

// Router resolves recipients to their CC list and owning company.
type Router interface {
	CCFor(recipient string) []string
	CompanyFor(recipient string) string
}

// GroupByVessel splits rows into one group per (recipient, vessel) pair,
// preserving first-appearance order, and resolves CC and company through
// the router. Rows missing the recipient column are dropped.
func GroupByVessel(rows []Row, targetKey, vesselKey string, routes Router) []Group {
	byPair := map[string]*Group{}
	var order []string

	for _, row := range rows {
		target := CellString(row[targetKey])
		if target == "" {
			continue
		}
		vessel := CellString(row[vesselKey])
		pair := target + "|" + vessel

		g, ok := byPair[pair]
		if !ok {
			g = &Group{
				Target: target,
				CC:     routes.CCFor(target),
				Extra: map[string]string{
					"vessel_name": vessel,
					"company":     routes.CompanyFor(target),
					"vessel_id":   CellString(row["vessel_id"]),
				},
			}
			byPair[pair] = g
			order = append(order, pair)
		}
		g.Rows = append(g.Rows, row)
	}

	groups := make([]Group, 0, len(order))
	for _, pair := range order {
		groups = append(groups, *byPair[pair])
	}
	return groups
}

// Alert is the fixed capability surface the pipeline drives.
type Alert interface {
	// Name identifies the alert in logs, metrics, and tracking metadata.
	Name() string

	// Fetch queries the data source for candidate rows in the window.
	Fetch(ctx context.Context, src DataSource, win Window) ([]Row, error)

	// Filter applies alert-specific predicates within the window. It may
	// reduce and transform rows but never introduces new tracking keys.
	// A data-contract violation (missing required columns) fails the run.
	Filter(rows []Row, win Window) ([]Row, error)

	// TrackingKey derives the deterministic dedup key for one row.
	TrackingKey(row Row) string

	// Route groups eligible rows into per-recipient notification groups.
	Route(rows []Row) []Group

	// Subject renders the subject line for one routed group.
	Subject(g Group) string

	// Columns lists the row fields to render, in display order.
	Columns() []Column
}
