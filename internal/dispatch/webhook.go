package dispatch

import (
	"alertpipe/internal/types"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink POSTs alerts as JSON. Any non-2xx response is a failure.
type WebhookSink struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookSink creates a webhook sink
func NewWebhookSink(name, url string, headers map[string]string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookSink{
		name:    name,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (w *WebhookSink) Name() string { return w.name }

// webhookPayload pairs a Discord-style "content" line with the full alert
type webhookPayload struct {
	Content string      `json:"content"`
	Alert   types.Alert `json:"alert"`
}

// Send posts one alert
func (w *WebhookSink) Send(ctx context.Context, alert types.Alert) error {
	body, err := json.Marshal(webhookPayload{Content: Summary(alert), Alert: alert})
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Summary renders a one-line human description of an alert
func Summary(a types.Alert) string {
	if a.Severity == types.SeverityResolved {
		return fmt.Sprintf("**[RESOLVED]** %s on %s (count %d, open since %s)",
			a.Rule.Name, a.Key, a.ObservedCount, a.FirstSeen.Format(time.RFC3339))
	}
	return fmt.Sprintf("**[%s]** %s on %s: %d %s entries in %ds (warn %d, crit %d)",
		a.Severity, a.Rule.Name, a.Key, a.ObservedCount, a.Rule.Level,
		a.Rule.WindowSeconds, a.Rule.WarnAt, a.Rule.CritAt)
}
