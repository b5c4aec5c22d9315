// Lookout polls the fleet operations database on a schedule and emails
// vessels about records that need their attention, remembering what was
// already sent so nobody is notified twice.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/flock"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/lookout/internal/alert"
	"github.com/linnemanlabs/lookout/internal/alerts/flagdispensations"
	"github.com/linnemanlabs/lookout/internal/alerts/navaudit"
	"github.com/linnemanlabs/lookout/internal/authmw"
	lc "github.com/linnemanlabs/lookout/internal/cfg"
	"github.com/linnemanlabs/lookout/internal/notify/mail"
	"github.com/linnemanlabs/lookout/internal/notify/slack"
	"github.com/linnemanlabs/lookout/internal/pipeline"
	"github.com/linnemanlabs/lookout/internal/postgres"
	"github.com/linnemanlabs/lookout/internal/routing"
	"github.com/linnemanlabs/lookout/internal/schedule"
	"github.com/linnemanlabs/lookout/internal/scheduler"
	"github.com/linnemanlabs/lookout/internal/source/pgsource"
	"github.com/linnemanlabs/lookout/internal/source/sqlitesource"
	"github.com/linnemanlabs/lookout/internal/statusapi"
	"github.com/linnemanlabs/lookout/internal/tracker"
)

const appName = "lookout"
const component = "scheduler"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    lc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix LOOKOUT_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "LOOKOUT_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"dry_run", appCfg.DryRun,
		"run_once", appCfg.RunOnce,
		"enable_email", appCfg.EnableEmail,
		"lookback_days", appCfg.LookbackDays,
		"tracking_file", appCfg.TrackingFile,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Parse the trigger schedule. Fixed times win over the interval, same
	// precedence the validation promises.
	spec, err := schedule.Parse(appCfg.EveryHours, appCfg.ScheduleTimesList(), appCfg.ScheduleTimezone)
	if err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if spec.Mode() == schedule.ModeFixedTimes && appCfg.EveryHours != 1.0 {
		L.Warn(ctx, "both schedule times and an interval are configured, fixed times take precedence",
			"schedule", spec.String(),
		)
	}

	dataLoc, err := time.LoadLocation(appCfg.DataTimezone)
	if err != nil {
		return fmt.Errorf("data timezone %q: %w", appCfg.DataTimezone, err)
	}

	// Only one scheduler may own the tracking file. The lock is advisory
	// but catches the common double-start on one host.
	if appCfg.LockFile != "" {
		fl := flock.New(appCfg.LockFile)
		locked, err := fl.TryLock()
		if err != nil {
			return fmt.Errorf("acquire lock file %s: %w", appCfg.LockFile, err)
		}
		if !locked {
			return fmt.Errorf("another instance is already running (lock file %s is held)", appCfg.LockFile)
		}
		defer func() { _ = fl.Unlock() }()
	}

	// Load the sent-notification history. A corrupt file is fatal: starting
	// empty would re-notify every vessel about everything ever sent.
	trk := tracker.New(appCfg.TrackingFile, appCfg.ReminderPeriod())
	if err := trk.Load(); err != nil {
		return fmt.Errorf("load tracking state: %w", err)
	}
	reminder := "never resend"
	if p := appCfg.ReminderPeriod(); p != nil {
		reminder = p.String()
	}
	L.Info(ctx, "tracking state loaded",
		"file", appCfg.TrackingFile,
		"events", trk.Len(),
		"reminder", reminder,
	)

	// Recipient routing: CC lists and company names per fleet.
	routes := routing.Default()
	if appCfg.RoutingFile != "" {
		routes, err = routing.Load(appCfg.RoutingFile)
		if err != nil {
			return fmt.Errorf("routing table: %w", err)
		}
		L.Info(ctx, "routing table loaded", "file", appCfg.RoutingFile, "companies", len(routes.Companies))
	} else {
		L.Info(ctx, "using built-in routing table")
	}

	// Initialize pipeline metrics on the shared Prometheus registry.
	pipelineMetrics := pipeline.NewMetrics(m.Registry())

	// Register per-query DB duration histogram and wire the observer. The
	// alert label comes from the run context so one histogram covers both
	// data sources.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lookout_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"alert", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(qctx context.Context, outcome string, dur time.Duration) {
			alertName := pipeline.AlertFromContext(qctx)
			if alertName == "" {
				alertName = "none"
			}
			dbQueryDuration.WithLabelValues(alertName, outcome).Observe(dur.Seconds())
		},
	))

	// Pick the data source: Postgres in production, SQLite for local runs.
	var src alert.DataSource
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		src = pgsource.New(pool)
		L.Info(ctx, "using postgres data source")
	} else {
		sq, err := sqlitesource.Open(appCfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite source: %w", err)
		}
		defer func() { _ = sq.Close() }()
		src = sq
		L.Info(ctx, "using sqlite data source", "path", appCfg.SQLitePath)
	}

	// Outbound delivery. The nop sender keeps the full pipeline running in
	// log-only deployments.
	var sender pipeline.Sender
	if appCfg.EnableEmail {
		mailer, err := mail.New(mail.Config{
			Host:         appCfg.SMTPHost,
			Port:         appCfg.SMTPPort,
			Username:     appCfg.SMTPUser,
			Password:     appCfg.SMTPPass,
			From:         appCfg.SMTPFrom,
			SendInterval: appCfg.SMTPSendInterval(),
			Logos:        appCfg.LogosList(),
		}, dataLoc, L)
		if err != nil {
			return fmt.Errorf("mail client: %w", err)
		}
		sender = mailer
	} else {
		sender = mail.NewNop(L)
		L.Info(ctx, "email delivery disabled, deliveries will be logged only")
	}

	links := alert.Links{BaseURL: appCfg.BaseURL, Path: appCfg.URLPath, Enabled: appCfg.EnableLinks}

	runCfg := pipeline.RunConfig{
		DryRun:       appCfg.DryRun,
		DryRunEmail:  appCfg.DryRunEmail,
		CommitDryRun: appCfg.CommitDryRun,
		Lookback:     appCfg.Lookback(),
		RankID:       appCfg.RankID,
		DataLocation: dataLoc,
	}
	if appCfg.DryRun {
		redirect := appCfg.DryRunEmail
		if redirect == "" {
			redirect = "(suppressed)"
		}
		L.Warn(ctx, "dry-run mode active, no vessel will be emailed",
			"redirect_to", redirect,
			"commit_tracking", appCfg.CommitDryRun,
		)
	}

	// Run-failure notifications to the ops channel.
	var notifier scheduler.FailureNotifier
	if appCfg.SlackWebhookURL != "" {
		notifier = slack.New(appCfg.SlackWebhookURL, L)
		L.Info(ctx, "run-failure notifier enabled", "type", "slack")
	}

	// Assemble the scheduler with one pipeline per alert.
	sched := scheduler.New(spec, L, scheduler.Options{
		HealthFile:   appCfg.HealthFile,
		RecoveryWait: time.Duration(appCfg.RecoveryWaitSeconds) * time.Second,
		HistorySize:  appCfg.HistorySize,
		Notifier:     notifier,
	})
	hooks := pipelineMetrics.Hooks()
	sched.Register(pipeline.New(
		flagdispensations.New(routes, links, appCfg.DispensationStatus),
		src, trk, sender, runCfg, L, hooks,
	))
	sched.Register(pipeline.New(
		navaudit.New(routes, links),
		src, trk, sender, runCfg, L, hooks,
	))

	// Single-shot mode: run every pipeline once and exit without bringing
	// up the HTTP surfaces. Used by cron-style deployments and smoke tests.
	if appCfg.RunOnce {
		L.Info(ctx, "single-shot mode, running all pipelines once")
		if err := sched.RunOnce(ctx); err != nil {
			return fmt.Errorf("run once: %w", err)
		}
		L.Info(ctx, "single run complete")
		return nil
	}

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup status api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1024 * 64)) // 64KB, the API is read-only so requests stay tiny

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes behind bearer auth; an empty token leaves the
	// read-only API open for inside-the-network deployments
	statusHTTP := statusapi.New(L, sched, spec, trk)
	r.Group(func(gr chi.Router) {
		gr.Use(authmw.BearerToken(appCfg.APIAuthToken))
		statusHTTP.RegisterRoutes(gr)
	})

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	statusOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start status HTTP server with middleware and handlers
	statusHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, statusOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start status http listener")
		return err
	}
	defer func() {
		err := statusHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop status http listener")
		}
	}()

	// Start the scheduler loop. It owns the tracking file from here on and
	// returns only on cancellation; pipeline failures are contained inside.
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = sched.Run(ctx)
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second

	// A run in flight keeps going until its COMMIT lands; give it the full
	// budget before touching anything it may still be writing to.
	select {
	case <-schedDone:
		L.Info(context.Background(), "scheduler stopped")
	case <-time.After(budget):
		L.Warn(context.Background(), "scheduler did not stop within budget, shutting down anyway")
	}

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"status http server", statusHTTPStop},
		{"ops http server", opsHTTPStop},
	}
	if shutdownOtelx != nil {
		stopFns = append(stopFns, stopFn{"otel", shutdownOtelx})
	}

	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
