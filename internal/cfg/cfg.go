package cfg

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"strings"
	"time"
)

// Config holds every runtime setting of the lookout process. It is
// populated from flags and LOOKOUT_* environment variables, validated
// once at startup, and passed into constructors read-only after that.
type Config struct {
	// Data source. Exactly one of the two must be set; the Postgres
	// URL wins when both are.
	DatabaseURL string
	SQLitePath  string

	// Scheduling
	EveryHours       float64
	ScheduleTimes    string
	ScheduleTimezone string
	DataTimezone     string

	// Alert parameters
	LookbackDays       int
	RankID             int
	DispensationStatus string

	// Dedup tracking
	ReminderDays float64
	TrackingFile string
	LockFile     string

	// Record links
	BaseURL     string
	URLPath     string
	EnableLinks bool

	// Delivery overrides
	DryRun       bool
	DryRunEmail  string
	CommitDryRun bool
	RunOnce      bool

	// SMTP delivery
	EnableEmail             bool
	SMTPHost                string
	SMTPPort                int
	SMTPUser                string
	SMTPPass                string
	SMTPFrom                string
	Logos                   string
	SMTPSendIntervalSeconds int

	// Recipient routing
	RoutingFile string

	// Failure notifications
	SlackWebhookURL string

	// Status API
	APIPort      int
	APIAuthToken string

	// Scheduler operations
	HealthFile          string
	RecoveryWaitSeconds int
	HistorySize         int

	// Shutdown
	DrainSeconds          int
	ShutdownBudgetSeconds int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = use -sqlite-path)")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite database file, used when no PostgreSQL URL is set")

	fs.Float64Var(&c.EveryHours, "every-hours", 1.0, "hours between cycles in interval mode (must be positive)")
	fs.StringVar(&c.ScheduleTimes, "schedule-times", "", "comma-separated daily run times as HH:MM; takes precedence over -every-hours")
	fs.StringVar(&c.ScheduleTimezone, "schedule-timezone", "Europe/Athens", "IANA timezone the fixed run times are expressed in")
	fs.StringVar(&c.DataTimezone, "data-timezone", "UTC", "IANA timezone for timestamps shown in notifications")

	fs.IntVar(&c.LookbackDays, "lookback-days", 1, "days back the alert queries search for new records (>= 1)")
	fs.IntVar(&c.RankID, "rank-id", 1, "crew rank the navigation-audit alert filters on")
	fs.StringVar(&c.DispensationStatus, "dispensation-status", "for_approval", "job status the flag-dispensations alert filters on")

	fs.Float64Var(&c.ReminderDays, "reminder-days", 0, "days until a notified record becomes eligible again (0 = never resend)")
	fs.StringVar(&c.TrackingFile, "tracking-file", "sent_alerts.json", "path of the durable sent-notification state file")
	fs.StringVar(&c.LockFile, "lock-file", "lookout.lock", "single-instance lock file (empty = no locking)")

	fs.StringVar(&c.BaseURL, "base-url", "https://prominence.orca.tools/", "base URL for record links in notifications")
	fs.StringVar(&c.URLPath, "url-path", "/events", "path joined to the base URL for record links")
	fs.BoolVar(&c.EnableLinks, "enable-links", false, "include per-record links in notifications")

	fs.BoolVar(&c.DryRun, "dry-run", false, "redirect deliveries to -dry-run-email instead of real recipients")
	fs.StringVar(&c.DryRunEmail, "dry-run-email", "", "redirect address for dry runs (empty = suppress deliveries)")
	fs.BoolVar(&c.CommitDryRun, "commit-dry-run", false, "record dry-run deliveries in the tracking file")
	fs.BoolVar(&c.RunOnce, "run-once", false, "run every pipeline once and exit")

	fs.BoolVar(&c.EnableEmail, "enable-email", true, "deliver notifications over SMTP (false = log only)")
	fs.StringVar(&c.SMTPHost, "smtp-host", "", "SMTP server hostname")
	fs.IntVar(&c.SMTPPort, "smtp-port", 465, "SMTP server port (465 = implicit TLS, otherwise STARTTLS)")
	fs.StringVar(&c.SMTPUser, "smtp-user", "", "SMTP username (empty = unauthenticated)")
	fs.StringVar(&c.SMTPPass, "smtp-pass", "", "SMTP password")
	fs.StringVar(&c.SMTPFrom, "smtp-from", "", "From address (empty = use -smtp-user)")
	fs.StringVar(&c.Logos, "logos", "", "comma-separated logo image paths embedded in notifications")
	fs.IntVar(&c.SMTPSendIntervalSeconds, "smtp-send-interval-seconds", 0, "minimum seconds between SMTP sends (0 = no throttle)")

	fs.StringVar(&c.RoutingFile, "routing-file", "", "YAML recipient-routing table (empty = built-in table)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for run-failure notifications")

	fs.IntVar(&c.APIPort, "http-port", 8080, "status API listen TCP port (1..65535)")
	fs.StringVar(&c.APIAuthToken, "api-auth-token", "", "bearer token for the status API (empty = no auth)")

	fs.StringVar(&c.HealthFile, "health-file", "", "file touched after every completed cycle (empty = disabled)")
	fs.IntVar(&c.RecoveryWaitSeconds, "recovery-wait-seconds", 300, "pause after a failed cycle before rescheduling (0 = no pause)")
	fs.IntVar(&c.HistorySize, "history-size", 50, "run records kept in memory for the status API")

	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Exactly one data source must be reachable
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		errs = append(errs, errors.New("either DATABASE_URL or SQLITE_PATH must be set"))
	}

	// Schedule: interval hours must be positive when they are the
	// active mode; fixed times are validated by the schedule parser
	if c.EveryHours < 0 || math.IsNaN(c.EveryHours) {
		errs = append(errs, fmt.Errorf("invalid EVERY_HOURS %g (must be positive)", c.EveryHours))
	}
	if c.EveryHours == 0 && c.ScheduleTimes == "" {
		errs = append(errs, errors.New("either EVERY_HOURS or SCHEDULE_TIMES must be set"))
	}
	if c.ScheduleTimezone == "" {
		errs = append(errs, errors.New("SCHEDULE_TIMEZONE is required"))
	}
	if c.DataTimezone == "" {
		errs = append(errs, errors.New("DATA_TIMEZONE is required"))
	}

	if c.LookbackDays < 1 {
		errs = append(errs, fmt.Errorf("invalid LOOKBACK_DAYS %d (must be at least 1)", c.LookbackDays))
	}
	if c.RankID <= 0 {
		errs = append(errs, fmt.Errorf("invalid RANK_ID %d (must be positive)", c.RankID))
	}

	if c.ReminderDays < 0 || math.IsNaN(c.ReminderDays) {
		errs = append(errs, fmt.Errorf("invalid REMINDER_DAYS %g (must not be negative)", c.ReminderDays))
	}
	if c.TrackingFile == "" {
		errs = append(errs, errors.New("TRACKING_FILE is required"))
	}

	// SMTP settings only matter when email delivery is on; dry runs
	// still deliver, so they need a working server too
	if c.EnableEmail && c.SMTPHost == "" {
		errs = append(errs, errors.New("SMTP_HOST is required when email is enabled"))
	}
	if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid SMTP_PORT %d (must be 1..65535)", c.SMTPPort))
	}
	if c.SMTPSendIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid SMTP_SEND_INTERVAL_SECONDS %d (must not be negative)", c.SMTPSendIntervalSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.RecoveryWaitSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid RECOVERY_WAIT_SECONDS %d (must not be negative)", c.RecoveryWaitSeconds))
	}
	if c.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("invalid HISTORY_SIZE %d (must not be negative)", c.HistorySize))
	}

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ReminderPeriod converts ReminderDays to a duration, nil when reminders
// are off. Absent and zero are the same thing here: never resend.
func (c *Config) ReminderPeriod() *time.Duration {
	if c.ReminderDays <= 0 {
		return nil
	}
	d := time.Duration(c.ReminderDays * 24 * float64(time.Hour))
	return &d
}

// Lookback converts LookbackDays to a duration.
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.LookbackDays) * 24 * time.Hour
}

// SMTPSendInterval converts SMTPSendIntervalSeconds to a duration.
func (c *Config) SMTPSendInterval() time.Duration {
	return time.Duration(c.SMTPSendIntervalSeconds) * time.Second
}

// ScheduleTimesList splits the HH:MM schedule into its entries.
func (c *Config) ScheduleTimesList() []string {
	return splitCSV(c.ScheduleTimes)
}

// LogosList splits the logo paths into their entries.
func (c *Config) LogosList() []string {
	return splitCSV(c.Logos)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
