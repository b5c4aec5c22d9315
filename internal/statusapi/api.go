// Package statusapi serves read-only operational state: recent pipeline runs
// and what is scheduled next.
package statusapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/lookout/internal/schedule"
	"github.com/linnemanlabs/lookout/internal/scheduler"
)

// Source exposes the scheduler state the API reports.
type Source interface {
	Runners() []scheduler.Runner
	NextRun() time.Time
	History() *scheduler.History
}

// TrackerInfo exposes tracking-state counters.
type TrackerInfo interface {
	Len() int
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	sched  Source
	spec   *schedule.Spec
	trk    TrackerInfo
}

// New creates a new API handler.
func New(logger log.Logger, sched Source, spec *schedule.Spec, trk TrackerInfo) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if sched == nil {
		panic(xerrors.New("scheduler is required"))
	}
	if spec == nil {
		panic(xerrors.New("schedule spec is required"))
	}
	if trk == nil {
		panic(xerrors.New("tracker is required"))
	}
	return &API{
		logger: logger,
		sched:  sched,
		spec:   spec,
		trk:    trk,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/runs", a.handleRuns)
		r.Get("/alerts", a.handleAlerts)
	})
}

func (a *API) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs := a.sched.History().Recent(limit)
	if runs == nil {
		runs = []scheduler.Record{}
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("lookout.runs.count", len(runs)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"runs": runs,
	})
}

type alertStatus struct {
	Name    string    `json:"name"`
	NextRun time.Time `json:"nextRun"`
}

type statusResponse struct {
	Mode          string        `json:"mode"`
	Schedule      string        `json:"schedule"`
	NextRun       time.Time     `json:"nextRun"`
	TrackedEvents int           `json:"trackedEvents"`
	Alerts        []alertStatus `json:"alerts"`
}

func (a *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	next := a.sched.NextRun()

	alerts := []alertStatus{}
	for _, runner := range a.sched.Runners() {
		alerts = append(alerts, alertStatus{Name: runner.Name(), NextRun: next})
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("lookout.alerts.count", len(alerts)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statusResponse{
		Mode:          string(a.spec.Mode()),
		Schedule:      a.spec.String(),
		NextRun:       next,
		TrackedEvents: a.trk.Len(),
		Alerts:        alerts,
	})
}
