// Package pipeline coordinates the alert pipeline for finalized events.
//
// For each event the coordinator runs Engine -> Dedup Gate -> Alert Store
// -> Notification Orchestrator: evaluate the applicable rules, create a
// PENDING alert for each triggered rule that survives deduplication,
// deliver it, and mark it DELIVERED on full success. Alert creation
// commits immediately; delivery is best-effort and is redriven by the
// reaper (ProcessUndelivered) when interrupted or partially failed.
//
// ProcessEvent never returns an error for per-rule failures: skipped
// rules and failed deliveries are reported in the summary.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nightwatch-sec/nightwatch/internal/engine"
	"github.com/nightwatch-sec/nightwatch/internal/notify"
	"github.com/nightwatch-sec/nightwatch/internal/store"
	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

// Store defines the storage operations the coordinator needs.
type Store interface {
	GetEvent(ctx context.Context, id int64) (*types.Event, error)
	GetDetectionsByIDs(ctx context.Context, ids []int64) ([]types.Detection, error)
	GetRulesForCamera(ctx context.Context, cameraID string) ([]types.AlertRule, error)
	GetRule(ctx context.Context, id string) (*types.AlertRule, error)
	CreateAlertIfNotDuplicate(ctx context.Context, params store.CreateAlertParams) (*types.Alert, bool, error)
	MarkDelivered(ctx context.Context, id string) (*types.Alert, error)
	MergeAlertMetadata(ctx context.Context, id string, patch map[string]any) error
	GetUndelivered(ctx context.Context, limit int) ([]types.Alert, error)
}

// Notifier defines the delivery operation the coordinator needs.
type Notifier interface {
	Deliver(ctx context.Context, alert *types.Alert, rule *types.AlertRule, explicit []types.ChannelKind) notify.DeliveryResult
}

// Config holds coordinator tunables.
type Config struct {
	// ReaperGraceInterval is how old a pending alert must be before the
	// reaper redrives it.
	ReaperGraceInterval time.Duration

	// ReaperMaxAttempts bounds redelivery attempts before an alert is
	// flagged delivery_abandoned.
	ReaperMaxAttempts int

	// ReaperBatchSize bounds one redrive pass.
	ReaperBatchSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReaperGraceInterval: 2 * time.Minute,
		ReaperMaxAttempts:   5,
		ReaperBatchSize:     200,
	}
}

// SkippedEntry names a rule that did not produce a new alert and why.
type SkippedEntry struct {
	RuleName string `json:"rule"`
	Reason   string `json:"reason"`
}

// Summary reports one ProcessEvent pass.
type Summary struct {
	EventID   int64          `json:"event_id"`
	Triggered int            `json:"triggered"`
	Created   int            `json:"created"`
	Delivered int            `json:"delivered"`
	Skipped   []SkippedEntry `json:"skipped,omitempty"`
}

// Coordinator glues the engine, gate, store, and orchestrator together.
type Coordinator struct {
	store    Store
	engine   *engine.Engine
	notifier Notifier
	clock    types.Clock
	config   Config
	logger   *slog.Logger
}

// New creates a pipeline coordinator.
func New(st Store, eng *engine.Engine, notifier Notifier, clock types.Clock, cfg Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    st,
		engine:   eng,
		notifier: notifier,
		clock:    clock,
		config:   cfg,
		logger:   logger.With("component", "pipeline"),
	}
}

// ProcessEventByID loads the event and runs the pipeline for it.
func (c *Coordinator) ProcessEventByID(ctx context.Context, eventID int64) (*Summary, error) {
	event, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("loading event %d: %w", eventID, err)
	}
	if event == nil {
		return nil, fmt.Errorf("event %d: %w", eventID, types.ErrNotFound)
	}
	return c.ProcessEvent(ctx, event, nil)
}

// ProcessEvent runs the pipeline for one event. When detections is nil
// they are loaded from the event's serialized detection-id list; a
// missing, malformed, or dangling list degrades to an empty detection set
// rather than aborting.
func (c *Coordinator) ProcessEvent(ctx context.Context, event *types.Event, detections []types.Detection) (*Summary, error) {
	start := time.Now()
	summary := &Summary{EventID: event.ID}

	if detections == nil {
		ids := event.ParseDetectionIDs()
		if len(ids) > 0 {
			loaded, err := c.store.GetDetectionsByIDs(ctx, ids)
			if err != nil {
				return nil, fmt.Errorf("loading detections for event %d: %w", event.ID, err)
			}
			detections = loaded
		}
	}

	rules, err := c.store.GetRulesForCamera(ctx, event.CameraID)
	if err != nil {
		return nil, fmt.Errorf("loading rules for camera %s: %w", event.CameraID, err)
	}

	result := c.engine.Evaluate(rules, event, detections)
	summary.Triggered = len(result.Triggered)
	for _, skipped := range result.Skipped {
		summary.Skipped = append(summary.Skipped, SkippedEntry{
			RuleName: skipped.Rule.Name,
			Reason:   skipped.Reason,
		})
	}

	// Alerts are created in the engine's severity-descending order so
	// observable created_at timestamps respect rule priority.
	for _, triggered := range result.Triggered {
		rule := triggered.Rule

		metadata := map[string]any{
			"rule_name": rule.Name,
			"camera_id": event.CameraID,
		}
		if len(triggered.MatchedConditions) > 0 {
			metadata["matched_conditions"] = triggered.MatchedConditions
		}
		if event.RiskScore != nil {
			metadata["risk_score"] = *event.RiskScore
		}

		ruleID := rule.ID
		alert, isNew, err := c.store.CreateAlertIfNotDuplicate(ctx, store.CreateAlertParams{
			EventID:         event.ID,
			DedupKey:        triggered.DedupKey,
			Severity:        triggered.Severity,
			RuleID:          &ruleID,
			Channels:        rule.Channels,
			Metadata:        metadata,
			CooldownSeconds: rule.CooldownSeconds,
		})
		if err != nil {
			c.logger.Error("alert creation failed",
				"event_id", event.ID,
				"rule_name", rule.Name,
				"error", err,
			)
			summary.Skipped = append(summary.Skipped, SkippedEntry{
				RuleName: rule.Name,
				Reason:   "create_error:" + err.Error(),
			})
			continue
		}
		if !isNew {
			c.logger.Debug("duplicate suppressed",
				"event_id", event.ID,
				"rule_name", rule.Name,
				"dedup_key", triggered.DedupKey,
				"existing_alert_id", alert.ID,
			)
			summary.Skipped = append(summary.Skipped, SkippedEntry{
				RuleName: rule.Name,
				Reason:   "in_cooldown",
			})
			continue
		}
		summary.Created++

		if c.deliverAndMark(ctx, alert, &rule) {
			summary.Delivered++
		}
	}

	c.logger.Info("event processed",
		"event_id", event.ID,
		"duration", time.Since(start),
		"rules", len(rules),
		"triggered", summary.Triggered,
		"created", summary.Created,
		"delivered", summary.Delivered,
		"skipped", len(summary.Skipped),
	)
	return summary, nil
}

// deliverAndMark runs the orchestrator for one alert and transitions it to
// DELIVERED on full success. Partial failure leaves the alert PENDING with
// the per-channel outcomes recorded in its metadata for the reaper.
func (c *Coordinator) deliverAndMark(ctx context.Context, alert *types.Alert, rule *types.AlertRule) bool {
	result := c.notifier.Deliver(ctx, alert, rule, nil)

	if len(result.Outcomes) > 0 {
		patch := map[string]any{"delivery_outcomes": notify.OutcomesMetadata(result.Outcomes)}
		if err := c.store.MergeAlertMetadata(ctx, alert.ID, patch); err != nil {
			c.logger.Error("failed to record delivery outcomes", "alert_id", alert.ID, "error", err)
		}
	}

	if !result.AllSuccessful {
		return false
	}
	if _, err := c.store.MarkDelivered(ctx, alert.ID); err != nil {
		c.logger.Error("failed to mark alert delivered", "alert_id", alert.ID, "error", err)
		return false
	}
	return true
}

// ProcessUndelivered redrives delivery for pending alerts older than the
// grace interval. Alerts that exhaust the attempt budget are flagged
// delivery_abandoned and surfaced by the store's abandoned query.
func (c *Coordinator) ProcessUndelivered(ctx context.Context) (redelivered, abandoned int, err error) {
	alerts, err := c.store.GetUndelivered(ctx, c.config.ReaperBatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("loading undelivered alerts: %w", err)
	}

	cutoff := c.clock.NowUTC().Add(-c.config.ReaperGraceInterval)
	for i := range alerts {
		alert := &alerts[i]
		if alert.CreatedAt.After(cutoff) {
			continue
		}
		if abandonedFlag(alert.Metadata) {
			continue
		}

		attempts := deliveryAttempts(alert.Metadata)
		if attempts >= c.config.ReaperMaxAttempts {
			patch := map[string]any{"delivery_abandoned": true}
			if err := c.store.MergeAlertMetadata(ctx, alert.ID, patch); err != nil {
				c.logger.Error("failed to flag abandoned alert", "alert_id", alert.ID, "error", err)
				continue
			}
			abandoned++
			c.logger.Warn("alert delivery abandoned",
				"alert_id", alert.ID,
				"attempts", attempts,
			)
			continue
		}

		var rule *types.AlertRule
		if alert.RuleID != nil {
			rule, err = c.store.GetRule(ctx, *alert.RuleID)
			if err != nil {
				c.logger.Error("failed to load rule for redelivery", "alert_id", alert.ID, "error", err)
				continue
			}
		}

		patch := map[string]any{"delivery_attempts": attempts + 1}
		if err := c.store.MergeAlertMetadata(ctx, alert.ID, patch); err != nil {
			c.logger.Error("failed to record delivery attempt", "alert_id", alert.ID, "error", err)
			continue
		}

		if c.deliverAndMark(ctx, alert, rule) {
			redelivered++
		}
	}

	return redelivered, abandoned, nil
}

func abandonedFlag(metadata map[string]any) bool {
	v, ok := metadata["delivery_abandoned"].(bool)
	return ok && v
}

func deliveryAttempts(metadata map[string]any) int {
	switch v := metadata["delivery_attempts"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
