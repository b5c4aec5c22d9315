// Package navaudit notifies vessel masters that a navigation audit is due
// for a recently signed-on master.
package navaudit

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
const Name = "masters-navigation-audit"

var requiredColumns = []string{
	"crew_contract_id",
	"crew_member_id",
	"vessel_id",
	"vsl_email",
	"vessel",
	"surname",
	"full_name",
	"rank",
	"sign_on_date",
	"due_date",
}

// Alert watches crew contracts for masters who signed on inside the lookback
// window and owes the vessel a navigation audit notice.
type Alert struct {
	routes *routing.Table
	links  alert.Links
	cols   []alert.Column
}

// New creates the alert. The rank to watch comes from the run window so one
// deployment can rescope it without code changes.
func New(routes *routing.Table, links alert.Links) *Alert {
	cols := []alert.Column{
		{Key: "full_name", Title: "Name", Kind: alert.KindText},
		{Key: "rank", Title: "Rank", Kind: alert.KindText},
		{Key: "sign_on_date", Title: "Sign On", Kind: alert.KindDateTime},
		{Key: "due_date", Title: "Due Date", Kind: alert.KindDate},
	}
	if links.Enabled {
		cols = append(cols, alert.Column{Key: "link", Title: "Record", Kind: alert.KindLink})
	}
	return &Alert{
		routes: routes,
		links:  links,
		cols:   cols,
	}
}

func (a *Alert) Name() string { return Name }

// Fetch pulls contracts for the configured rank signed on since the window
// start.
func (a *Alert) Fetch(ctx context.Context, src alert.DataSource, win alert.Window) ([]alert.Row, error) {
	return src.Query(ctx, query, map[string]any{
		"rank_id": win.RankID,
		"cutoff":  win.Start().UTC().Format("2006-01-02 15:04:05"),
	})
}

// Filter validates the data contract and keeps contracts signed on inside
// the window.
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
		signedOn, ok := alert.CellTime(row["sign_on_date"])
		if !ok {
			continue
		}
		if signedOn.Before(cutoff) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// TrackingKey is stable per vessel, contract, and crew member, so a renewed
// contract re-arms the notification while a re-synced row does not.
func (a *Alert) TrackingKey(row alert.Row) string {
	vessel := alert.CellString(row["vessel"])
	contractID := alert.CellString(row["crew_contract_id"])
	memberID := alert.CellString(row["crew_member_id"])
	if vessel == "" || contractID == "" || memberID == "" {
		return ""
	}
	slug := strings.Join(strings.Fields(strings.ToLower(vessel)), "_")
	return fmt.Sprintf("%s__crew_contract_id_%s__crew_member_id_%s", slug, contractID, memberID)
}

// Route groups rows per vessel mailbox and annotates record links keyed by
// the crew contract.
func (a *Alert) Route(rows []alert.Row) []alert.Group {
	if a.links.Enabled {
		for _, row := range rows {
			row["link"] = a.links.For(row["crew_contract_id"])
		}
	}
	groups := alert.GroupByVessel(rows, "vsl_email", "vessel", a.routes)
	for i := range groups {
		if len(groups[i].Rows) > 0 {
			groups[i].Extra["surname"] = alert.CellString(groups[i].Rows[0]["surname"])
		}
	}
	return groups
}

// Subject renders the per-vessel subject line.
func (a *Alert) Subject(g alert.Group) string {
	vessel := g.Extra["vessel_name"]
	if vessel == "" {
		vessel = "Vessel"
	}
	return fmt.Sprintf("Lookout | %s Master's Navigation Audit", strings.ToUpper(vessel))
}

// Columns lists the fields shown in the notification, in order.
func (a *Alert) Columns() []alert.Column { return a.cols }

var _ alert.Alert = (*Alert)(nil)
