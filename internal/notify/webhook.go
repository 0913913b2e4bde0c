package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookSink POSTs envelopes as JSON to a configured URL. Non-2xx responses
// count as delivery failures so the bus retries them.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookSink creates a webhook sink. secret, when set, is sent in the
// X-Flowtrace-Token header so receivers can authenticate the source.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Deliver(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flowtrace-Event", string(env.Kind))
	req.Header.Set("X-Flowtrace-Delivery", env.ID)
	if w.secret != "" {
		req.Header.Set("X-Flowtrace-Token", w.secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogSink writes envelopes to the structured log. Used when no webhook is
// configured so notification traffic is still observable.
type LogSink struct {
	log interface {
		Info(message string, fields map[string]interface{})
	}
}

// NewLogSink creates a sink that logs each envelope at info level.
func NewLogSink(log interface {
	Info(message string, fields map[string]interface{})
}) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, env Envelope) error {
	s.log.Info("notification", map[string]interface{}{
		"kind":        string(env.Kind),
		"session_id":  env.SessionID,
		"envelope_id": env.ID,
	})
	return nil
}
