// Package pipeline drives a single alert through one polling run: fetch rows
// from the data source, filter them, drop the ones already notified, group
// the rest into jobs, deliver, and commit the sent keys to the tracker.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lookout/internal/alert"
	"github.com/linnemanlabs/lookout/internal/notify/mail"
	"github.com/linnemanlabs/lookout/internal/postgres"
	"github.com/linnemanlabs/lookout/internal/tracker"
)

// State names the stage a run is in. Runs move strictly forward; any abort
// lands in StateFailed.
type State string

const (
	StateFetch    State = "FETCH"
	StateFilter   State = "FILTER"
	StateDedupe   State = "DEDUPE"
	StateRoute    State = "ROUTE"
	StateSend     State = "SEND"
	StateCommit   State = "COMMIT"
	StateComplete State = "COMPLETE"
	StateFailed   State = "FAILED"
)

// Outcome summarizes one run. Counts are cumulative up to the point the run
// ended, so a failed run still reports what it got through.
type Outcome struct {
	Fetched     int `json:"fetched"`
	Filtered    int `json:"filtered"`
	NewCount    int `json:"newCount"`
	JobsCreated int `json:"jobsCreated"`
	JobsSent    int `json:"jobsSent"`
	JobsFailed  int `json:"jobsFailed"`
}

// Sender delivers one notification job.
type Sender interface {
	Send(ctx context.Context, job *mail.Job) error
}

// RunConfig carries the per-run knobs shared by every alert.
type RunConfig struct {
	// DryRun redirects or suppresses delivery instead of notifying targets.
	DryRun bool
	// DryRunEmail receives redirected jobs during dry runs. Empty means
	// jobs are logged and counted but nothing is delivered.
	DryRunEmail string
	// CommitDryRun records dry-run jobs in the tracker. Off by default so
	// rehearsals never consume the real notification.
	CommitDryRun bool
	// Lookback bounds how far back fetches reach.
	Lookback time.Duration
	// RankID scopes fetches to one rank where the alert uses it.
	RankID int
	// DataLocation is the timezone naive database timestamps belong to.
	DataLocation *time.Location
}

// Hooks receives run lifecycle events. Nil funcs are skipped.
type Hooks struct {
	OnState    func(alertName string, state State)
	OnJob      func(alertName, status string)
	OnComplete func(e *CompleteEvent)
}

// CompleteEvent is emitted once per run, whether it completed or failed.
type CompleteEvent struct {
	Alert    string
	State    State
	Outcome  Outcome
	Duration float64
	Tracked  int
	Queries  int
	DBTime   float64
}

// Pipeline runs one alert. It is not safe for concurrent use; the scheduler
// runs pipelines sequentially and owns the only reference.
type Pipeline struct {
	alert   alert.Alert
	source  alert.DataSource
	tracker *tracker.Tracker
	sender  Sender
	cfg     RunConfig
	logger  log.Logger
	hooks   Hooks
}

// New creates a pipeline for one alert.
func New(al alert.Alert, src alert.DataSource, trk *tracker.Tracker, sender Sender, cfg RunConfig, logger log.Logger, hooks Hooks) *Pipeline {
	if logger == nil {
		logger = log.Nop()
	}
	return &Pipeline{
		alert:   al,
		source:  src,
		tracker: trk,
		sender:  sender,
		cfg:     cfg,
		logger:  logger,
		hooks:   hooks,
	}
}

// Name returns the alert's name.
func (p *Pipeline) Name() string { return p.alert.Name() }

// Run executes one full polling cycle for the alert. A data source or commit
// failure aborts the run; individual delivery failures are contained and the
// failed job's rows stay eligible for the next cycle.
func (p *Pipeline) Run(ctx context.Context) (*Outcome, error) {
	start := time.Now()
	runID := ulid.Make().String()

	ctx = ContextWithAlert(ctx, p.alert.Name())
	ctx = postgres.NewRunDBStatsContext(ctx)
	stats, _ := postgres.RunDBStatsFromContext(ctx)

	L := p.logger.With("alert", p.alert.Name(), "run_id", runID)
	if p.cfg.DryRun {
		L = L.With("dry_run", true)
	}
	ctx = log.WithContext(ctx, L)

	out := &Outcome{}

	p.setState(StateFetch)
	win := alert.Window{
		Now:      time.Now(),
		Lookback: p.cfg.Lookback,
		RankID:   p.cfg.RankID,
	}
	rows, err := p.alert.Fetch(ctx, p.source, win)
	if err != nil {
		return p.fail(ctx, L, out, start, stats, StateFetch, err)
	}
	out.Fetched = len(rows)

	p.setState(StateFilter)
	rows, err = p.alert.Filter(rows, win)
	if err != nil {
		return p.fail(ctx, L, out, start, stats, StateFilter, err)
	}
	out.Filtered = len(rows)

	p.setState(StateDedupe)
	fresh := p.dedupe(ctx, L, rows)
	out.NewCount = len(fresh)

	L.Info(ctx, "rows gathered",
		"fetched", out.Fetched,
		"filtered", out.Filtered,
		"new", out.NewCount,
	)

	if len(fresh) == 0 {
		return p.complete(ctx, L, out, start, stats)
	}

	p.setState(StateRoute)
	jobs := p.buildJobs(p.alert.Route(fresh))
	out.JobsCreated = len(jobs)

	p.setState(StateSend)
	committable := p.send(ctx, L, out, jobs)

	if len(committable) > 0 {
		p.setState(StateCommit)
		if err := p.commit(ctx, L, committable); err != nil {
			return p.fail(ctx, L, out, start, stats, StateCommit, err)
		}
	}

	return p.complete(ctx, L, out, start, stats)
}

// dedupe keeps only rows whose tracking key is eligible for notification.
func (p *Pipeline) dedupe(ctx context.Context, L log.Logger, rows []alert.Row) []alert.Row {
	now := time.Now()
	var fresh []alert.Row
	for _, row := range rows {
		key := p.alert.TrackingKey(row)
		if key == "" {
			L.Warn(ctx, "row has no tracking key, skipping", "row_keys", rowKeys(row))
			continue
		}
		if p.tracker.IsEligible(key, now) {
			fresh = append(fresh, row)
		}
	}
	return fresh
}

func (p *Pipeline) buildJobs(groups []alert.Group) []*mail.Job {
	jobs := make([]*mail.Job, 0, len(groups))
	for _, g := range groups {
		jobs = append(jobs, &mail.Job{
			AlertName: p.alert.Name(),
			Target:    g.Target,
			CC:        g.CC,
			Subject:   p.alert.Subject(g),
			Rows:      g.Rows,
			Columns:   p.alert.Columns(),
			Extra:     g.Extra,
			DryRun:    p.cfg.DryRun,
		})
	}
	return jobs
}

// send delivers every job and returns the ones whose rows may be committed.
// Delivery failures are logged and counted but never abort the run.
func (p *Pipeline) send(ctx context.Context, L log.Logger, out *Outcome, jobs []*mail.Job) []*mail.Job {
	commitAfterSend := !p.cfg.DryRun || p.cfg.CommitDryRun

	var committable []*mail.Job
	for _, job := range jobs {
		deliver := job
		if p.cfg.DryRun {
			if p.cfg.DryRunEmail == "" {
				L.Info(ctx, "dry run, delivery suppressed",
					"target", job.Target,
					"cc", len(job.CC),
					"subject", job.Subject,
					"rows", len(job.Rows),
				)
				out.JobsSent++
				p.onJob("suppressed")
				if commitAfterSend {
					committable = append(committable, job)
				}
				continue
			}
			deliver = redirect(job, p.cfg.DryRunEmail)
		}

		if err := p.sender.Send(ctx, deliver); err != nil {
			L.Error(ctx, err, "job delivery failed",
				"target", job.Target,
				"rows", len(job.Rows),
			)
			out.JobsFailed++
			p.onJob("failed")
			continue
		}
		out.JobsSent++
		p.onJob("sent")
		if commitAfterSend {
			committable = append(committable, job)
		}
	}
	return committable
}

// redirect copies a dry-run job so it delivers to the rehearsal address
// only: real target moves into the subject, CC list is dropped, and the
// dry-run flag clears so the copy passes the sender's safety check.
func redirect(job *mail.Job, to string) *mail.Job {
	r := *job
	r.Target = to
	r.CC = nil
	r.Subject = fmt.Sprintf("[DRY RUN → %s] %s", job.Target, job.Subject)
	r.DryRun = false
	return &r
}

// commit marks every row of the given jobs as sent and persists the tracker
// in one atomic save. A save failure aborts the run: mail went out that the
// tracking file does not know about, and the operator has to hear it.
func (p *Pipeline) commit(ctx context.Context, L log.Logger, jobs []*mail.Job) error {
	now := time.Now()
	marked := 0
	for _, job := range jobs {
		meta := map[string]string{
			"alert":  p.alert.Name(),
			"target": job.Target,
		}
		if v := job.Extra["vessel_name"]; v != "" {
			meta["vessel"] = v
		}
		for _, row := range job.Rows {
			key := p.alert.TrackingKey(row)
			if key == "" {
				continue
			}
			p.tracker.MarkSent(key, now, meta)
			marked++
		}
	}
	pruned := p.tracker.Prune(now)
	if err := p.tracker.Save(); err != nil {
		return fmt.Errorf("tracker save after %d deliveries: %w", len(jobs), err)
	}
	L.Info(ctx, "tracker committed",
		"marked", marked,
		"pruned", pruned,
		"tracked", p.tracker.Len(),
	)
	return nil
}

func (p *Pipeline) complete(ctx context.Context, L log.Logger, out *Outcome, start time.Time, stats *postgres.RunDBStats) (*Outcome, error) {
	p.setState(StateComplete)
	queries, dbTime, dbErrs := stats.Snapshot()
	duration := time.Since(start)

	L.Info(ctx, "run complete",
		"fetched", out.Fetched,
		"filtered", out.Filtered,
		"new", out.NewCount,
		"jobs_created", out.JobsCreated,
		"jobs_sent", out.JobsSent,
		"jobs_failed", out.JobsFailed,
		"db_queries", queries,
		"db_errors", dbErrs,
		"db_time", dbTime.Seconds(),
		"duration", duration.Seconds(),
	)
	p.onComplete(&CompleteEvent{
		Alert:    p.alert.Name(),
		State:    StateComplete,
		Outcome:  *out,
		Duration: duration.Seconds(),
		Tracked:  p.tracker.Len(),
		Queries:  queries,
		DBTime:   dbTime.Seconds(),
	})
	return out, nil
}

func (p *Pipeline) fail(ctx context.Context, L log.Logger, out *Outcome, start time.Time, stats *postgres.RunDBStats, at State, err error) (*Outcome, error) {
	p.setState(StateFailed)
	queries, dbTime, dbErrs := stats.Snapshot()
	duration := time.Since(start)

	L.Error(ctx, err, "run failed",
		"during", string(at),
		"fetched", out.Fetched,
		"filtered", out.Filtered,
		"new", out.NewCount,
		"jobs_sent", out.JobsSent,
		"jobs_failed", out.JobsFailed,
		"db_queries", queries,
		"db_errors", dbErrs,
		"db_time", dbTime.Seconds(),
		"duration", duration.Seconds(),
	)
	p.onComplete(&CompleteEvent{
		Alert:    p.alert.Name(),
		State:    StateFailed,
		Outcome:  *out,
		Duration: duration.Seconds(),
		Tracked:  p.tracker.Len(),
		Queries:  queries,
		DBTime:   dbTime.Seconds(),
	})
	return out, fmt.Errorf("%s: %w", strings.ToLower(string(at)), err)
}

func (p *Pipeline) setState(s State) {
	if p.hooks.OnState != nil {
		p.hooks.OnState(p.alert.Name(), s)
	}
}

func (p *Pipeline) onJob(status string) {
	if p.hooks.OnJob != nil {
		p.hooks.OnJob(p.alert.Name(), status)
	}
}

func (p *Pipeline) onComplete(e *CompleteEvent) {
	if p.hooks.OnComplete != nil {
		p.hooks.OnComplete(e)
	}
}

func rowKeys(row alert.Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	return keys
}
