// Package mail delivers notification jobs over SMTP. A job carries its
// recipients and the rows to render; the mailer owns transport, rendering,
// throttling, and the refusal to deliver anything still flagged dry-run.
package mail

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lookout/internal/alert"
)

// Job is one fully-resolved notification: recipients, subject, and the rows
// to render. Extra carries alert-specific display values (vessel, company).
type Job struct {
	AlertName string
	Target    string
	CC        []string
	Subject   string
	Rows      []alert.Row
	Columns   []alert.Column
	Extra     map[string]string
	DryRun    bool
}

// DeliveryError wraps a single job's failure to send. The pipeline records
// it and moves on; the job's rows stay eligible for the next run.
type DeliveryError struct {
	Target string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.Target, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Config holds SMTP transport settings.
type Config struct {
	Host         string
	Port         int
	Username     string
	Password     string
	From         string
	Timeout      time.Duration
	SendInterval time.Duration
	Logos        []string
}

// Mailer sends jobs through one SMTP account.
type Mailer struct {
	client  *mail.Client
	from    string
	logos   []string
	loc     *time.Location
	limiter *rate.Limiter
	logger  log.Logger
}

// New builds a Mailer. Port 465 uses implicit TLS; anything else requires
// STARTTLS, matching how the upstream relays are provisioned. displayLoc is
// the timezone row timestamps are rendered in.
func New(cfg Config, displayLoc *time.Location, logger log.Logger) (*Mailer, error) {
	if logger == nil {
		logger = log.Nop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(timeout),
	}
	if cfg.Port == 465 {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}

	from := cfg.From
	if from == "" {
		from = cfg.Username
	}

	m := &Mailer{
		client: client,
		from:   from,
		logos:  cfg.Logos,
		loc:    displayLoc,
		logger: logger,
	}
	if cfg.SendInterval > 0 {
		m.limiter = rate.NewLimiter(rate.Every(cfg.SendInterval), 1)
	}
	return m, nil
}

// Send renders and delivers one job. Every failure comes back as a
// *DeliveryError so callers treat them uniformly as job-contained.
func (m *Mailer) Send(ctx context.Context, job *Job) error {
	if job.DryRun {
		// Dry-run jobs must be redirected by the pipeline before they get
		// here; delivering one means the redirect was bypassed.
		return &DeliveryError{Target: job.Target, Err: errors.New("job still flagged dry-run; refusing to deliver")}
	}
	if strings.TrimSpace(job.Target) == "" {
		return &DeliveryError{Target: job.Target, Err: errors.New("no recipient")}
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return &DeliveryError{Target: job.Target, Err: err}
		}
	}

	msg, err := m.buildMessage(ctx, job)
	if err != nil {
		return &DeliveryError{Target: job.Target, Err: err}
	}

	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return &DeliveryError{Target: job.Target, Err: err}
	}

	m.logger.Info(ctx, "notification sent",
		"alert", job.AlertName,
		"target", job.Target,
		"cc", len(job.CC),
		"rows", len(job.Rows),
	)
	return nil
}

func (m *Mailer) buildMessage(ctx context.Context, job *Job) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return nil, fmt.Errorf("from address %q: %w", m.from, err)
	}
	if err := msg.To(job.Target); err != nil {
		return nil, fmt.Errorf("to address %q: %w", job.Target, err)
	}
	if len(job.CC) > 0 {
		if err := msg.Cc(job.CC...); err != nil {
			return nil, fmt.Errorf("cc addresses: %w", err)
		}
	}
	msg.Subject(job.Subject)

	cids := m.embedLogos(ctx, msg)
	msg.SetBodyString(mail.TypeTextPlain, renderText(job, m.loc))
	msg.AddAlternativeString(mail.TypeTextHTML, renderHTML(job, m.loc, cids))
	return msg, nil
}

// embedLogos attaches every configured logo inline and returns their CIDs
// for the HTML body. Missing files are skipped, not fatal.
func (m *Mailer) embedLogos(ctx context.Context, msg *mail.Msg) []string {
	var cids []string
	for _, path := range m.logos {
		if _, err := os.Stat(path); err != nil {
			m.logger.Warn(ctx, "logo file missing, skipping", "path", path)
			continue
		}
		name := filepath.Base(path)
		msg.EmbedFile(path,
			mail.WithFileName(name),
			mail.WithFileContentType(logoContentType(path)),
		)
		cids = append(cids, name)
	}
	return cids
}

// logoContentType maps a logo file extension to its MIME type; unknown
// extensions are assumed to be PNG.
func logoContentType(path string) mail.ContentType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return mail.ContentType("image/jpeg")
	case ".gif":
		return mail.ContentType("image/gif")
	case ".svg":
		return mail.ContentType("image/svg+xml")
	default:
		return mail.ContentType("image/png")
	}
}
