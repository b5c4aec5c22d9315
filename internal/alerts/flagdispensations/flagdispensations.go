// Package flagdispensations notifies vessel masters about flag extension and
// dispensation jobs awaiting their action.
package flagdispensations

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/linnemanlabs/lookout/internal/alert"
	"github.com/linnemanlabs/lookout/internal/routing"
)

//go:embed query.sql
var query string

// Name identifies this alert in logs, metrics, and tracking metadata.
const Name = "flag-dispensations"

// DefaultStatus is the job status the alert watches when none is configured.
const DefaultStatus = "for_approval"

var requiredColumns = []string{
	"vessel_id",
	"vessel",
	"vsl_email",
	"job_id",
	"importance",
	"title",
	"dispensation_type",
	"department",
	"due_date",
	"requested_on",
	"created_at",
	"status",
}

// Alert watches flag dispensation jobs in a given status and mails each
// vessel the ones created inside the lookback window.
type Alert struct {
	routes *routing.Table
	links  alert.Links
	status string
	cols   []alert.Column
}

// New creates the alert. status selects which job status to watch; empty
// means DefaultStatus.
func New(routes *routing.Table, links alert.Links, status string) *Alert {
	if status == "" {
		status = DefaultStatus
	}
	cols := []alert.Column{
		{Key: "title", Title: "Title", Kind: alert.KindText},
		{Key: "dispensation_type", Title: "Type", Kind: alert.KindText},
		{Key: "department", Title: "Department", Kind: alert.KindText},
		{Key: "requested_on", Title: "Requested On", Kind: alert.KindDate},
		{Key: "due_date", Title: "Due Date", Kind: alert.KindDate},
		{Key: "created_at", Title: "Created At", Kind: alert.KindDateTime},
	}
	if links.Enabled {
		cols = append(cols, alert.Column{Key: "link", Title: "Record", Kind: alert.KindLink})
	}
	return &Alert{
		routes: routes,
		links:  links,
		status: status,
		cols:   cols,
	}
}

func (a *Alert) Name() string { return Name }

// Fetch pulls candidate jobs created since the window start.
func (a *Alert) Fetch(ctx context.Context, src alert.DataSource, win alert.Window) ([]alert.Row, error) {
	return src.Query(ctx, query, map[string]any{
		"status": a.status,
		"cutoff": win.Start().UTC().Format("2006-01-02 15:04:05"),
	})
}

// Filter validates the data contract and keeps rows created inside the
// window. The query already bounds created_at; the re-check here keeps the
// cutoff exact when the database clock drifts from ours.
func (a *Alert) Filter(rows []alert.Row, win alert.Window) ([]alert.Row, error) {
	if len(rows) == 0 {
		return rows, nil
	}
	if err := alert.RequireColumns(rows, requiredColumns...); err != nil {
		return nil, err
	}

	cutoff := win.Start()
	var out []alert.Row
	for _, row := range rows {
		created, ok := alert.CellTime(row["created_at"])
		if !ok {
			continue
		}
		if created.Before(cutoff) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// TrackingKey is stable across runs for one job on one vessel.
func (a *Alert) TrackingKey(row alert.Row) string {
	vesselID := alert.CellString(row["vessel_id"])
	jobID := alert.CellString(row["job_id"])
	if vesselID == "" || jobID == "" {
		return ""
	}
	return fmt.Sprintf("vessel_id_%s__job_id_%s", vesselID, jobID)
}

// Route groups rows per vessel mailbox and annotates record links.
func (a *Alert) Route(rows []alert.Row) []alert.Group {
	if a.links.Enabled {
		for _, row := range rows {
			row["link"] = a.links.For(row["job_id"])
		}
	}
	return alert.GroupByVessel(rows, "vsl_email", "vessel", a.routes)
}

// Subject renders the per-vessel subject line.
func (a *Alert) Subject(g alert.Group) string {
	vessel := g.Extra["vessel_name"]
	if vessel == "" {
		vessel = "Vessel"
	}
	return fmt.Sprintf("Lookout | %s Flag Extensions-Dispensations", strings.ToUpper(vessel))
}

// Columns lists the fields shown in the notification, in order.
func (a *Alert) Columns() []alert.Column { return a.cols }

var _ alert.Alert = (*Alert)(nil)
