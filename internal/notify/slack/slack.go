// Package slack delivers carewatch notifications to Slack via incoming
// webhooks.
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

	"github.com/linnemanlabs/carewatch/internal/clinical"
	"github.com/linnemanlabs/carewatch/internal/triage"
)

const (
	maxBodyLen  = 3000
	httpTimeout = 10 * time.Second
)

// Notifier posts notifications to a Slack webhook. It implements
// triage.Notifier.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
	now        func() time.Time
}

// New creates a Slack notifier. If webhookURL is empty, Notify only logs.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger.With("component", "slack"),
		now:        time.Now,
	}
}

// Notify posts n to the configured webhook.
func (s *Notifier) Notify(ctx context.Context, n triage.Notification) error {
	if s.webhookURL == "" {
		s.logger.Info(ctx, "notification (no webhook configured)",
			"kind", string(n.Kind),
			"alert_id", n.AlertID,
			"recipient", recipient(n),
		)
		return nil
	}

	body, err := json.Marshal(buildMessage(n, s.now()))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
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

func recipient(n triage.Notification) string {
	if n.RecipientUserID != "" {
		return n.RecipientUserID
	}
	return "patient " + n.PatientID
}

func buildMessage(n triage.Notification, now time.Time) map[string]any {
	return map[string]any{
		"text": n.Subject,
		"blocks": []map[string]any{
			headerBlock(n),
			fieldsBlock(n),
			bodyBlock(n),
			contextBlock(n, now),
		},
	}
}

func headerBlock(n triage.Notification) map[string]any {
	subject := n.Subject
	if subject == "" {
		subject = string(n.Kind)
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(fmt.Sprintf("%s %s", severityEmoji(n.Severity), subject), 150),
		},
	}
}

func fieldsBlock(n triage.Notification) map[string]any {
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Kind:* %s", n.Kind)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*For:* %s", recipient(n))},
	}
	if n.Severity != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", n.Severity)})
	}
	if n.AlertID != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Alert:* %s", n.AlertID)})
	}
	return map[string]any{"type": "section", "fields": fields}
}

func bodyBlock(n triage.Notification) map[string]any {
	text := truncate(n.Body, maxBodyLen)
	if text == "" {
		text = "_No details._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": text},
	}
}

func contextBlock(n triage.Notification, now time.Time) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{{
			"type": "mrkdwn",
			"text": fmt.Sprintf("carewatch • %s • %s", n.OrganizationID, now.UTC().Format("2006-01-02 15:04 UTC")),
		}},
	}
}

func severityEmoji(sev clinical.Severity) string {
	switch sev {
	case clinical.SeverityCritical:
		return "\U0001f534" // red circle
	case clinical.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case clinical.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
