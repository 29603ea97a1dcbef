package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nightwatch-sec/nightwatch/internal/config"
	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

// webhookSource tags outbound payloads with the producing system.
const webhookSource = "home_security_intelligence"

// WebhookChannel delivers alerts as a single JSON POST to the configured
// endpoint. The HTTP client is created lazily and shared across deliveries;
// an outbound rate limiter keeps a misbehaving rule set from hammering the
// receiver.
type WebhookChannel struct {
	cfg    config.NotificationConfig
	logger *slog.Logger

	clientOnce sync.Once
	client     *http.Client
	limiter    *rate.Limiter
}

// NewWebhookChannel creates the webhook transport.
func NewWebhookChannel(cfg config.NotificationConfig, logger *slog.Logger) *WebhookChannel {
	return &WebhookChannel{
		cfg:     cfg,
		logger:  logger.With("channel", "webhook"),
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

// Kind implements Channel.
func (c *WebhookChannel) Kind() types.ChannelKind { return types.ChannelWebhook }

func (c *WebhookChannel) httpClient() *http.Client {
	c.clientOnce.Do(func() {
		c.client = &http.Client{Timeout: c.cfg.WebhookTimeout()}
	})
	return c.client
}

// webhookPayload is the wire format posted to the receiver.
type webhookPayload struct {
	Type     string         `json:"type"`
	Source   string         `json:"source"`
	Alert    webhookAlert   `json:"alert"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type webhookAlert struct {
	ID        string `json:"id"`
	Severity  string `json:"severity"`
	Status    string `json:"status"`
	DedupKey  string `json:"dedup_key"`
	EventID   int64  `json:"event_id"`
	CreatedAt string `json:"created_at"`
}

// Deliver posts the alert to the configured webhook URL.
func (c *WebhookChannel) Deliver(ctx context.Context, alert *types.Alert) Outcome {
	outcome := Outcome{Channel: types.ChannelWebhook}

	if !c.cfg.WebhookConfigured() {
		outcome.Error = "webhook_not_configured"
		return outcome
	}

	payload := webhookPayload{
		Type:   "security_alert",
		Source: webhookSource,
		Alert: webhookAlert{
			ID:        alert.ID,
			Severity:  string(alert.Severity),
			Status:    string(alert.Status),
			DedupKey:  alert.DedupKey,
			EventID:   alert.EventID,
			CreatedAt: alert.CreatedAt.Format(time.RFC3339),
		},
		Metadata: alert.Metadata,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		outcome.Error = "webhook_request_failed:" + err.Error()
		return outcome
	}

	if err := c.limiter.Wait(ctx); err != nil {
		outcome.Error = "webhook_request_failed:" + err.Error()
		return outcome
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.DefaultWebhookURL, bytes.NewReader(body))
	if err != nil {
		outcome.Error = "webhook_request_failed:" + err.Error()
		return outcome
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		if isTimeout(err) {
			outcome.Error = "webhook_timeout"
		} else {
			outcome.Error = "webhook_request_failed:" + err.Error()
		}
		return outcome
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		outcome.Error = fmt.Sprintf("webhook_http_%d", resp.StatusCode)
		return outcome
	}

	now := time.Now().UTC()
	outcome.Success = true
	outcome.DeliveredAt = &now
	outcome.Recipient = c.cfg.DefaultWebhookURL
	return outcome
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
