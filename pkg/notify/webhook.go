package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookNotifier POSTs messages as JSON. The payload carries a top-level
// "text" field so Slack-compatible incoming webhooks render it directly.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	headers map[string]string
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookNotifier) { w.client = c }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) WebhookOption {
	return func(w *WebhookNotifier) { w.headers[key] = value }
}

// NewWebhookNotifier creates a webhook sink.
func NewWebhookNotifier(url string, opts ...WebhookOption) *WebhookNotifier {
	w := &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		headers: map[string]string{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type webhookPayload struct {
	Text string `json:"text"`
	Message
}

// Name implements Sink.
func (w *WebhookNotifier) Name() string { return "webhook" }

// Publish implements Notifier.
func (w *WebhookNotifier) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(webhookPayload{Text: msg.Text(), Message: msg})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
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
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close implements Sink.
func (w *WebhookNotifier) Close() error { return nil }
