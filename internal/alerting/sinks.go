// internal/alerting/sinks.go
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"
)

// LogSink writes every alert to the structured log. Always configured; the
// log is the delivery of last resort when external sinks are down.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(ctx context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("id", ev.ID),
		zap.String("type", string(ev.Type)),
		zap.String("severity", string(ev.Severity)),
		zap.String("pool", ev.Pool.String()),
		zap.String("description", ev.Description),
		zap.String("recommended_action", ev.RecommendedAction),
	}
	switch ev.Severity {
	case SeverityCritical:
		s.logger.Error("alert", fields...)
	case SeverityWarning:
		s.logger.Warn("alert", fields...)
	default:
		s.logger.Info("alert", fields...)
	}
	return nil
}

// WebhookSinkConfig configures the outbound webhook.
type WebhookSinkConfig struct {
	URL           string
	MaxRetries    int
	RetryInterval time.Duration
	Timeout       time.Duration
}

func DefaultWebhookSinkConfig(url string) WebhookSinkConfig {
	return WebhookSinkConfig{
		URL:           url,
		MaxRetries:    3,
		RetryInterval: time.Second,
		Timeout:       10 * time.Second,
	}
}

// WebhookSink posts alerts as Slack-compatible attachment payloads. Delivery
// retries a bounded number of times with a fixed interval.
type WebhookSink struct {
	cfg    WebhookSinkConfig
	client *http.Client
}

func NewWebhookSink(cfg WebhookSinkConfig) *WebhookSink {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebhookSink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackPayload struct {
	Attachments []slackAttachment `json:"attachments"`
}

func severityColor(s Severity) string {
	switch s {
	case SeverityCritical:
		return "#E53935"
	case SeverityWarning:
		return "#FFB300"
	default:
		return "#1E88E5"
	}
}

func buildSlackPayload(ev Event) slackPayload {
	fields := []slackField{
		{Title: "Time", Value: ev.Timestamp.UTC().Format(time.RFC3339), Short: true},
		{Title: "Type", Value: string(ev.Type), Short: true},
	}
	if ev.Pool != "" {
		fields = append(fields, slackField{Title: "Pool", Value: ev.Pool.String(), Short: true})
	}
	fields = append(fields, slackField{Title: "Severity", Value: string(ev.Severity), Short: true})

	keys := make([]string, 0, len(ev.Details))
	for k := range ev.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, slackField{Title: k, Value: ev.Details[k], Short: true})
	}

	fields = append(fields, slackField{Title: "Recommended Action", Value: ev.RecommendedAction, Short: false})

	return slackPayload{
		Attachments: []slackAttachment{{
			Color:  severityColor(ev.Severity),
			Title:  ev.Type.Title(),
			Text:   ev.Description,
			Fields: fields,
			Footer: "Blue/Green Deployment Monitor",
			Ts:     ev.Timestamp.Unix(),
		}},
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(buildSlackPayload(ev))
	if err != nil {
		return fmt.Errorf("alerting: marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		lastErr = s.send(ctx, body)
		if lastErr == nil {
			return nil
		}
		if attempt < s.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.RetryInterval):
			}
		}
	}
	return lastErr
}

func (s *WebhookSink) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alerting: create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Poolwatch-Alerts/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("alerting: webhook request: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alerting: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
