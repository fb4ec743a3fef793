package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/meshguard/meshguard/pkg/logging"
)

// LogChannel writes notifications to the structured log. Always configured;
// it is the floor of observability when no webhook is set up.
type LogChannel struct {
	logger *logging.Logger
}

// NewLogChannel creates a log-backed notification channel
func NewLogChannel(logger *logging.Logger) *LogChannel {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &LogChannel{logger: logger}
}

// Name returns the channel name
func (lc *LogChannel) Name() string {
	return "log"
}

// Send writes the notification as a log line
func (lc *LogChannel) Send(_ context.Context, notification *Notification) error {
	lc.logger.Warn("notification",
		"recipient", notification.Recipient,
		"subject", notification.Subject,
		"severity", string(notification.Severity),
		"service", notification.Service,
		"incident_id", notification.IncidentID,
	)
	return nil
}

// SlackChannel delivers notifications to a Slack incoming webhook
type SlackChannel struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

// NewSlackChannel creates a Slack notification channel
func NewSlackChannel(webhookURL, channel, username string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the channel name
func (sc *SlackChannel) Name() string {
	return "slack"
}

// Send posts the notification as a Slack attachment
func (sc *SlackChannel) Send(ctx context.Context, notification *Notification) error {
	fields := []map[string]interface{}{
		{"title": "Severity", "value": string(notification.Severity), "short": true},
	}
	if notification.Service != "" {
		fields = append(fields, map[string]interface{}{
			"title": "Service", "value": notification.Service, "short": true,
		})
	}
	if notification.Recipient != "" {
		fields = append(fields, map[string]interface{}{
			"title": "Escalated To", "value": notification.Recipient, "short": true,
		})
	}
	if notification.IncidentID != "" {
		fields = append(fields, map[string]interface{}{
			"title": "Incident", "value": notification.IncidentID, "short": true,
		})
	}
	for key, value := range notification.Labels {
		fields = append(fields, map[string]interface{}{
			"title": key, "value": value, "short": true,
		})
	}

	payload := map[string]interface{}{
		"channel":  sc.channel,
		"username": sc.username,
		"attachments": []map[string]interface{}{
			{
				"color":     colorForSeverity(notification.Severity),
				"title":     notification.Subject,
				"text":      notification.Body,
				"timestamp": notification.Timestamp.Unix(),
				"fields":    fields,
			},
		},
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", sc.webhookURL, bytes.NewBuffer(jsonPayload))
	if err != nil {
		return fmt.Errorf("failed to create Slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Slack notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack API returned status %d", resp.StatusCode)
	}
	return nil
}

func colorForSeverity(severity Severity) string {
	switch severity {
	case SeverityInfo:
		return "#36a64f"
	case SeverityWarning:
		return "#ff9500"
	case SeverityCritical:
		return "#ff0000"
	case SeverityEmergency:
		return "#8b0000"
	default:
		return "#808080"
	}
}

// WebhookChannel posts the raw notification JSON to an arbitrary endpoint
type WebhookChannel struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a generic webhook notification channel
func NewWebhookChannel(url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the channel name
func (wc *WebhookChannel) Name() string {
	return "webhook"
}

// Send posts the notification JSON
func (wc *WebhookChannel) Send(ctx context.Context, notification *Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", wc.url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range wc.headers {
		req.Header.Set(key, value)
	}

	resp, err := wc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
