// Package notify delivers alerts through configurable channels.
//
// # Design
//
// Channels are polymorphic over a single capability: Deliver an alert and
// report an Outcome. The orchestrator resolves the channel set for an
// alert (explicit set, then the alert's channels, then the rule's), runs
// the deliveries concurrently, and aggregates per-channel outcomes. A
// failing channel never prevents the others from running, and the
// orchestrator never retries; redelivery belongs to the pipeline's reaper.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nightwatch-sec/nightwatch/internal/config"
	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

// Outcome is the per-channel result of one delivery attempt.
type Outcome struct {
	Channel     types.ChannelKind `json:"channel"`
	Success     bool              `json:"success"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty"`
	Recipient   string            `json:"recipient,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// DeliveryResult aggregates the outcomes of one alert delivery.
// AllSuccessful is true only when at least one channel ran and every
// channel succeeded, except that an empty resolved channel set and a
// disabled orchestrator are both successful no-ops with no outcomes.
type DeliveryResult struct {
	AlertID       string    `json:"alert_id"`
	Outcomes      []Outcome `json:"outcomes"`
	AllSuccessful bool      `json:"all_successful"`
}

// Channel is a notification transport.
type Channel interface {
	Kind() types.ChannelKind
	Deliver(ctx context.Context, alert *types.Alert) Outcome
}

// Orchestrator fans an alert out to its channels and collects outcomes.
type Orchestrator struct {
	enabled  bool
	channels map[types.ChannelKind]Channel
	logger   *slog.Logger
}

// NewOrchestrator builds an orchestrator with the standard email, webhook,
// and push channels from typed configuration.
func NewOrchestrator(cfg config.NotificationConfig, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		enabled:  cfg.Enabled,
		channels: make(map[types.ChannelKind]Channel),
		logger:   logger.With("component", "notifier"),
	}
	o.Register(NewEmailChannel(cfg, logger))
	o.Register(NewWebhookChannel(cfg, logger))
	o.Register(NewPushChannel())
	return o
}

// Register adds or replaces a channel. New transports plug in here without
// orchestrator changes.
func (o *Orchestrator) Register(ch Channel) {
	o.channels[ch.Kind()] = ch
}

// AvailableChannels lists the registered channel kinds.
func (o *Orchestrator) AvailableChannels() []types.ChannelKind {
	kinds := make([]types.ChannelKind, 0, len(o.channels))
	for kind := range o.channels {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Deliver sends the alert through its resolved channel set and waits for
// every channel to finish. Resolution precedence: the explicit argument,
// then the alert's channels, then the rule's channels; the first non-empty
// set wins. An empty resolved set is a successful no-op.
func (o *Orchestrator) Deliver(ctx context.Context, alert *types.Alert, rule *types.AlertRule, explicit []types.ChannelKind) DeliveryResult {
	result := DeliveryResult{AlertID: alert.ID}

	channels := explicit
	if len(channels) == 0 {
		channels = alert.Channels
	}
	if len(channels) == 0 && rule != nil {
		channels = rule.Channels
	}

	if len(channels) == 0 {
		result.AllSuccessful = true
		return result
	}

	if !o.enabled {
		o.logger.Debug("notifications disabled, skipping delivery", "alert_id", alert.ID)
		result.AllSuccessful = true
		return result
	}

	// Run every channel concurrently and wait for all of them; there is
	// no shared timeout budget and no early cancellation. Each transport
	// enforces its own timeout.
	outcomes := make([]Outcome, len(channels))
	var wg sync.WaitGroup
	for i, kind := range channels {
		wg.Add(1)
		go func(i int, kind types.ChannelKind) {
			defer wg.Done()
			ch, ok := o.channels[kind]
			if !ok {
				outcomes[i] = Outcome{
					Channel: kind,
					Success: false,
					Error:   fmt.Sprintf("unknown_channel:%s", kind),
				}
				return
			}
			outcomes[i] = ch.Deliver(ctx, alert)
		}(i, kind)
	}
	wg.Wait()

	result.Outcomes = outcomes
	result.AllSuccessful = true
	for _, outcome := range outcomes {
		if !outcome.Success {
			result.AllSuccessful = false
			o.logger.Warn("channel delivery failed",
				"alert_id", alert.ID,
				"channel", outcome.Channel,
				"error", outcome.Error,
			)
		}
	}

	o.logger.Info("alert delivery complete",
		"alert_id", alert.ID,
		"channels", len(outcomes),
		"all_successful", result.AllSuccessful,
	)
	return result
}

// OutcomesMetadata renders outcomes for the alert's metadata map under the
// delivery_outcomes key.
func OutcomesMetadata(outcomes []Outcome) []map[string]any {
	rendered := make([]map[string]any, 0, len(outcomes))
	for _, outcome := range outcomes {
		entry := map[string]any{
			"channel": string(outcome.Channel),
			"success": outcome.Success,
		}
		if outcome.DeliveredAt != nil {
			entry["delivered_at"] = outcome.DeliveredAt.Format(time.RFC3339)
		}
		if outcome.Recipient != "" {
			entry["recipient"] = outcome.Recipient
		}
		if outcome.Error != "" {
			entry["error"] = outcome.Error
		}
		rendered = append(rendered, entry)
	}
	return rendered
}
