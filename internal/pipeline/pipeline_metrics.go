package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the notification pipelines.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	RowsFetched   *prometheus.CounterVec
	RowsNew       *prometheus.CounterVec
	JobsTotal     *prometheus.CounterVec
	TrackedEvents prometheus.Gauge
	DBRunTime     *prometheus.HistogramVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lookout_runs_total",
			Help: "Total pipeline runs by alert and final state.",
		}, []string{"alert", "state"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lookout_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s .. ~205s
		}, []string{"alert"}),
		RowsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lookout_rows_fetched_total",
			Help: "Total rows fetched from the data source by alert.",
		}, []string{"alert"}),
		RowsNew: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lookout_rows_new_total",
			Help: "Total rows that survived dedupe by alert.",
		}, []string{"alert"}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lookout_jobs_total",
			Help: "Total notification jobs by alert and delivery status.",
		}, []string{"alert", "status"}),
		TrackedEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lookout_tracked_events",
			Help: "Events currently recorded in the tracking file.",
		}),
		DBRunTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lookout_run_db_time_seconds",
			Help:    "Total database time per pipeline run in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"alert"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RowsFetched,
		m.RowsNew,
		m.JobsTotal,
		m.TrackedEvents,
		m.DBRunTime,
	)

	return m
}

// Hooks returns pipeline hooks that increment the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnJob: func(alertName, status string) {
			m.JobsTotal.WithLabelValues(alertName, status).Inc()
		},
		OnComplete: func(e *CompleteEvent) {
			m.RunsTotal.WithLabelValues(e.Alert, string(e.State)).Inc()
			m.RunDuration.WithLabelValues(e.Alert).Observe(e.Duration)
			m.RowsFetched.WithLabelValues(e.Alert).Add(float64(e.Outcome.Fetched))
			m.RowsNew.WithLabelValues(e.Alert).Add(float64(e.Outcome.NewCount))
			m.TrackedEvents.Set(float64(e.Tracked))
			m.DBRunTime.WithLabelValues(e.Alert).Observe(e.DBTime)
		},
	}
}
