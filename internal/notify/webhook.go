package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	webhookTimeout  = 5 * time.Second
	webhookAttempts = 3
)

// WebhookPayload is the body POSTed to a shipment's webhook on every
// status change.
type WebhookPayload struct {
	TrackingNumber   string   `json:"tracking_number"`
	Status           string   `json:"status"`
	Checkpoints      []string `json:"checkpoints"`
	DeliveryLocation string   `json:"delivery_location"`
	Timestamp        string   `json:"timestamp"`
}

// WebhookSender posts shipment updates to subscriber endpoints.
type WebhookSender struct {
	client  *http.Client
	nowFunc func() time.Time
}

// NewWebhookSender builds a sender with the standard 5 second timeout.
func NewWebhookSender() *WebhookSender {
	return &WebhookSender{
		client:  &http.Client{Timeout: webhookTimeout},
		nowFunc: time.Now,
	}
}

// Send delivers one update, retrying transient failures. Any status
// other than 200 is an error.
func (w *WebhookSender) Send(ctx context.Context, url string, p WebhookPayload) error {
	if p.Timestamp == "" {
		p.Timestamp = w.nowFunc().Format(time.RFC3339)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), webhookAttempts-1), ctx)
	return backoff.Retry(func() error {
		return w.post(ctx, url, body)
	}, policy)
}

func (w *WebhookSender) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
