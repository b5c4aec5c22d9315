// Package slack posts pipeline run failures to a Slack incoming webhook so
// operators hear about broken alert runs without scraping logs.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

const (
	maxErrorLen = 3000
	httpTimeout = 10 * time.Second
)

// Notifier posts run failures to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, notifications
// are a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// NotifyRunFailure posts one failed run to the webhook. Delivery problems
// are logged, never surfaced; a flaky webhook must not take the loop down.
func (n *Notifier) NotifyRunFailure(ctx context.Context, alertName string, runErr error) {
	if n.webhookURL == "" {
		return
	}
	if err := n.post(ctx, alertName, runErr); err != nil {
		n.logger.Warn(ctx, "slack notification failed",
			"alert", alertName,
			"error", err.Error(),
		)
	}
}

func (n *Notifier) post(ctx context.Context, alertName string, runErr error) error {
	msg := buildMessage(alertName, runErr, time.Now())

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(alertName string, runErr error, at time.Time) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(alertName),
			{"type": "divider"},
			errorBlock(runErr),
			{"type": "divider"},
			contextBlock(alertName, at),
		},
	}
}

func headerBlock(alertName string) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("\U0001f534 Pipeline Run Failed: %s", alertName),
		},
	}
}

func errorBlock(runErr error) map[string]any {
	text := "_no error detail_"
	if runErr != nil {
		text = truncate(runErr.Error(), maxErrorLen)
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Error*\n\n```%s```", text),
		},
	}
}

func contextBlock(alertName string, at time.Time) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("lookout • %s • %s", alertName, at.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
