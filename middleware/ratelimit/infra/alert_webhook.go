package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// WebhookAlerter publica ameaças num webhook (JSON via POST).
// Alertas repetidos do mesmo identificador são estrangulados pelo KeyedLimiter.
type WebhookAlerter struct {
	URL     string
	Client  *http.Client
	Limiter *KeyedLimiter
}

func NewWebhookAlerter(url string, limiter *KeyedLimiter) *WebhookAlerter {
	return &WebhookAlerter{
		URL:     url,
		Client:  &http.Client{Timeout: 5 * time.Second},
		Limiter: limiter,
	}
}

var _ domain.Alerter = (*WebhookAlerter)(nil)

type alertPayload struct {
	Type       domain.ThreatType `json:"type"`
	Severity   domain.Severity   `json:"severity"`
	Identifier string            `json:"identifier"`
	Details    map[string]any    `json:"details,omitempty"`
	Timestamp  int64             `json:"timestamp"`
}

func (a *WebhookAlerter) Alert(ctx context.Context, t domain.Threat) error {
	if a == nil || a.URL == "" {
		return nil
	}
	if a.Limiter != nil && !a.Limiter.Allow(t.Identifier) {
		return nil
	}

	body, err := json.Marshal(alertPayload{
		Type:       t.Type,
		Severity:   t.Severity,
		Identifier: t.Identifier,
		Details:    t.Details,
		Timestamp:  t.Timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("send alert: unexpected status %d", resp.StatusCode)
	}
	return nil
}
