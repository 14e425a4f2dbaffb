// Package slack sends dispatch notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/sentinelmesh/internal/incident"
)

const (
	maxFieldLen = 150
	httpTimeout = 10 * time.Second
)

// Notifier posts dispatch notifications to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
	now        func() time.Time
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
		now:    time.Now,
	}
}

// Name identifies the notifier in logs and metrics.
func (n *Notifier) Name() string { return "slack" }

// Notify posts a dispatch notification to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Notify(ctx context.Context, note incident.Notification) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(note, n.now()))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack notification sent", "incident_id", note.IncidentID, "trace_id", note.TraceID)
	return nil
}

func buildMessage(note incident.Notification, at time.Time) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(note),
			{"type": "divider"},
			fieldsBlock(note),
			{"type": "divider"},
			contextBlock(note, at),
		},
	}
}

func headerBlock(note incident.Notification) map[string]any {
	category := note.Category
	if category == "" {
		category = "emergency"
	}
	text := fmt.Sprintf("%s Responder dispatched: %s", categoryEmoji(category), humanize(category))

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, maxFieldLen),
		},
	}
}

func fieldsBlock(note incident.Notification) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Incident:* %s", truncate(note.IncidentID, maxFieldLen)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Officer:* %s", truncate(note.ResponderID, maxFieldLen)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*ETA:* %s", formatETA(note.ETASeconds)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Distance:* %s", formatDistance(note.DistanceMeters)),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func contextBlock(note incident.Notification, at time.Time) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("sentinelmesh • trace %s • %s",
				truncate(note.TraceID, maxFieldLen), at.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func categoryEmoji(category string) string {
	switch category {
	case "acoustic_gunshot":
		return "\U0001f534" // red circle
	case "panic_motion":
		return "\U0001f7e0" // orange circle
	default:
		return "\U0001f7e1" // yellow circle
	}
}

func humanize(category string) string {
	return strings.ReplaceAll(category, "_", " ")
}

func formatETA(seconds int) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
}

func formatDistance(meters float64) string {
	if meters < 1000 {
		return fmt.Sprintf("%.0f m", meters)
	}
	return fmt.Sprintf("%.2f km", meters/1000)
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
