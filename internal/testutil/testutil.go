// Package testutil provides testing utilities and fixtures.
//
// Fixtures use functional options for customization:
//
//	rule := testutil.FixtureRule()
//	rule := testutil.FixtureRule(func(r *types.AlertRule) {
//		r.Severity = types.AlertSeverityCritical
//		r.CooldownSeconds = 0
//	})
package testutil

import (
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FixedClock is a Clock pinned to a single instant.
type FixedClock struct {
	Now time.Time
}

// NowUTC implements types.Clock.
func (c *FixedClock) NowUTC() time.Time { return c.Now.UTC() }

// NewFixedClock creates a clock pinned to the given instant.
func NewFixedClock(now time.Time) *FixedClock {
	return &FixedClock{Now: now}
}

// Advance moves the clock forward.
func (c *FixedClock) Advance(d time.Duration) {
	c.Now = c.Now.Add(d)
}

// =============================================================================
// CAMERA / DETECTION / EVENT FIXTURES
// =============================================================================

// FixtureCamera creates a test camera with sensible defaults.
func FixtureCamera(overrides ...func(*types.Camera)) *types.Camera {
	camera := &types.Camera{
		ID:         "front_door",
		Name:       "Front Door",
		FolderPath: "cameras/front_door",
		Status:     types.CameraStatusOnline,
		CreatedAt:  time.Now().UTC(),
	}

	for _, override := range overrides {
		override(camera)
	}

	return camera
}

// FixtureDetection creates a person detection with high confidence.
func FixtureDetection(cameraID string, overrides ...func(*types.Detection)) types.Detection {
	detection := types.Detection{
		ID:         1,
		CameraID:   cameraID,
		DetectedAt: time.Now().UTC(),
		ObjectType: "person",
		Confidence: Ptr(0.92),
	}

	for _, override := range overrides {
		override(&detection)
	}

	return detection
}

// FixtureEvent creates a test event with a high risk score.
func FixtureEvent(cameraID string, overrides ...func(*types.Event)) *types.Event {
	event := &types.Event{
		ID:           1,
		CameraID:     cameraID,
		BatchID:      "batch-" + uuid.New().String()[:8],
		StartedAt:    time.Now().UTC().Add(-time.Minute),
		RiskScore:    Ptr(80),
		RiskLevel:    types.RiskLevelHigh,
		DetectionIDs: "[1]",
	}

	for _, override := range overrides {
		override(event)
	}

	return event
}

// =============================================================================
// RULE / ALERT FIXTURES
// =============================================================================

// FixtureRule creates an enabled high-severity rule with default dedup
// settings and no conditions.
func FixtureRule(overrides ...func(*types.AlertRule)) types.AlertRule {
	rule := types.AlertRule{
		ID:               uuid.New().String(),
		Name:             "rule-" + uuid.New().String()[:8],
		Enabled:          true,
		Severity:         types.AlertSeverityHigh,
		DedupKeyTemplate: types.DefaultDedupKeyTemplate,
		CooldownSeconds:  300,
		Channels:         []types.ChannelKind{types.ChannelEmail},
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}

	for _, override := range overrides {
		override(&rule)
	}

	return rule
}

// FixtureAlert creates a pending alert.
func FixtureAlert(eventID int64, overrides ...func(*types.Alert)) *types.Alert {
	alert := &types.Alert{
		ID:        uuid.New().String(),
		EventID:   eventID,
		Severity:  types.AlertSeverityHigh,
		Status:    types.AlertStatusPending,
		DedupKey:  "front_door:rule-1",
		Channels:  []types.ChannelKind{types.ChannelEmail},
		Metadata:  map[string]any{},
		CreatedAt: time.Now().UTC(),
	}

	for _, override := range overrides {
		override(alert)
	}

	return alert
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Ptr returns a pointer to the given value.
// Useful for setting optional fields in fixtures.
func Ptr[T any](v T) *T {
	return &v
}
