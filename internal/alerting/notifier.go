// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package alerting

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/watchtower-sec/watchtower/internal/config"
	"github.com/watchtower-sec/watchtower/internal/metrics"
	"github.com/watchtower-sec/watchtower/internal/models"
)

// Notifier delivers notifications for actionable alerts. Implementations
// must tolerate being called concurrently.
type Notifier interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, notification *models.Notification) error
}

// WebhookNotifier posts notification payloads to a configured endpoint.
// Deliveries are rate-limited so an alert storm cannot flood the receiver.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
	limiter *rate.Limiter
	enabled bool
	mu      sync.RWMutex
}

// webhookPayload is the JSON body posted to the endpoint.
type webhookPayload struct {
	Notification *models.Notification `json:"notification"`
	EventType    string               `json:"event_type"`
	Timestamp    time.Time            `json:"timestamp"`
	Source       string               `json:"source"`
}

// NewWebhookNotifier builds the notifier from the alerting configuration.
// An empty URL disables it.
func NewWebhookNotifier(cfg config.AlertingConfig) *WebhookNotifier {
	perSec := cfg.WebhookRatePerSec
	if perSec <= 0 {
		perSec = 2
	}
	burst := cfg.WebhookBurst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.WebhookTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:     cfg.WebhookURL,
		headers: make(map[string]string),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
		enabled: cfg.WebhookURL != "",
	}
}

// Name returns the notifier name.
func (n *WebhookNotifier) Name() string {
	return "webhook"
}

// Enabled reports whether this notifier delivers.
func (n *WebhookNotifier) Enabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.enabled && n.url != ""
}

// SetEnabled enables or disables the notifier.
func (n *WebhookNotifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// SetHeaders replaces the custom request headers (auth tokens and the like).
func (n *WebhookNotifier) SetHeaders(headers map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.headers = make(map[string]string, len(headers))
	for k, v := range headers {
		n.headers[k] = v
	}
}

// Send posts the notification, honoring the rate limit and the context.
func (n *WebhookNotifier) Send(ctx context.Context, notification *models.Notification) error {
	n.mu.RLock()
	if !n.enabled || n.url == "" {
		n.mu.RUnlock()
		return nil
	}
	url := n.url
	headers := make(map[string]string, len(n.headers))
	for k, v := range n.headers {
		headers[k] = v
	}
	n.mu.RUnlock()

	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(webhookPayload{
		Notification: notification,
		EventType:    "risk_alert",
		Timestamp:    time.Now().UTC(),
		Source:       "watchtower",
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		metrics.NotificationsSent.WithLabelValues(n.Name(), "failure").Inc()
		return fmt.Errorf("send webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		metrics.NotificationsSent.WithLabelValues(n.Name(), "failure").Inc()
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	metrics.NotificationsSent.WithLabelValues(n.Name(), "success").Inc()
	return nil
}
