package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightwatch-sec/nightwatch/internal/engine"
	"github.com/nightwatch-sec/nightwatch/internal/notify"
	"github.com/nightwatch-sec/nightwatch/internal/store"
	"github.com/nightwatch-sec/nightwatch/internal/testutil"
	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

// fakeStore implements Store in memory with the gate's cooldown semantics.
type fakeStore struct {
	clock      types.Clock
	events     map[int64]*types.Event
	detections map[int64]types.Detection
	rules      map[string]types.AlertRule
	alerts     map[string]*types.Alert
}

func newFakeStore(clock types.Clock) *fakeStore {
	return &fakeStore{
		clock:      clock,
		events:     make(map[int64]*types.Event),
		detections: make(map[int64]types.Detection),
		rules:      make(map[string]types.AlertRule),
		alerts:     make(map[string]*types.Alert),
	}
}

func (f *fakeStore) GetEvent(_ context.Context, id int64) (*types.Event, error) {
	return f.events[id], nil
}

func (f *fakeStore) GetDetectionsByIDs(_ context.Context, ids []int64) ([]types.Detection, error) {
	var out []types.Detection
	for _, id := range ids {
		if d, ok := f.detections[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) GetRulesForCamera(_ context.Context, cameraID string) ([]types.AlertRule, error) {
	var out []types.AlertRule
	for _, rule := range f.rules {
		if rule.AppliesTo(cameraID) {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (f *fakeStore) GetRule(_ context.Context, id string) (*types.AlertRule, error) {
	if rule, ok := f.rules[id]; ok {
		return &rule, nil
	}
	return nil, nil
}

func (f *fakeStore) CreateAlertIfNotDuplicate(_ context.Context, params store.CreateAlertParams) (*types.Alert, bool, error) {
	key, err := types.ValidateDedupKey(params.DedupKey)
	if err != nil {
		return nil, false, err
	}
	if params.CooldownSeconds > 0 {
		cutoff := f.clock.NowUTC().Add(-time.Duration(params.CooldownSeconds) * time.Second)
		var newest *types.Alert
		for _, alert := range f.alerts {
			if alert.DedupKey == key && alert.Status != types.AlertStatusDismissed && alert.CreatedAt.After(cutoff) {
				if newest == nil || alert.CreatedAt.After(newest.CreatedAt) {
					newest = alert
				}
			}
		}
		if newest != nil {
			return newest, false, nil
		}
	}
	alert := &types.Alert{
		ID:        uuid.New().String(),
		EventID:   params.EventID,
		RuleID:    params.RuleID,
		Severity:  params.Severity,
		Status:    types.AlertStatusPending,
		DedupKey:  key,
		Channels:  params.Channels,
		Metadata:  params.Metadata,
		CreatedAt: f.clock.NowUTC(),
	}
	if alert.Metadata == nil {
		alert.Metadata = map[string]any{}
	}
	f.alerts[alert.ID] = alert
	return alert, true, nil
}

func (f *fakeStore) MarkDelivered(_ context.Context, id string) (*types.Alert, error) {
	alert, ok := f.alerts[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	now := f.clock.NowUTC()
	alert.Status = types.AlertStatusDelivered
	alert.DeliveredAt = &now
	return alert, nil
}

func (f *fakeStore) MergeAlertMetadata(_ context.Context, id string, patch map[string]any) error {
	alert, ok := f.alerts[id]
	if !ok {
		return types.ErrNotFound
	}
	for k, v := range patch {
		alert.Metadata[k] = v
	}
	return nil
}

func (f *fakeStore) GetUndelivered(_ context.Context, _ int) ([]types.Alert, error) {
	var out []types.Alert
	for _, alert := range f.alerts {
		if alert.Status == types.AlertStatusPending && alert.DeliveredAt == nil {
			out = append(out, *alert)
		}
	}
	return out, nil
}

// fakeNotifier returns scripted results per call.
type fakeNotifier struct {
	results []notify.DeliveryResult
	calls   int
}

func (f *fakeNotifier) Deliver(_ context.Context, alert *types.Alert, _ *types.AlertRule, _ []types.ChannelKind) notify.DeliveryResult {
	f.calls++
	if len(f.results) == 0 {
		return notify.DeliveryResult{AlertID: alert.ID, AllSuccessful: true}
	}
	result := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	result.AlertID = alert.ID
	return result
}

func successfulDelivery() notify.DeliveryResult {
	now := time.Now().UTC()
	return notify.DeliveryResult{
		AllSuccessful: true,
		Outcomes: []notify.Outcome{
			{Channel: types.ChannelEmail, Success: true, DeliveredAt: &now},
		},
	}
}

func failedDelivery() notify.DeliveryResult {
	return notify.DeliveryResult{
		AllSuccessful: false,
		Outcomes: []notify.Outcome{
			{Channel: types.ChannelEmail, Success: false, Error: "smtp_error:connection refused"},
		},
	}
}

func newTestCoordinator(clock types.Clock, st *fakeStore, notifier Notifier) *Coordinator {
	eng := engine.New(clock, testutil.NewTestLogger())
	return New(st, eng, notifier, clock, DefaultConfig(), testutil.NewTestLogger())
}

// =============================================================================
// PROCESS EVENT
// =============================================================================

func TestProcessEventCreatesAndDelivers(t *testing.T) {
	clock := testutil.NewFixedClock(time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC))
	st := newFakeStore(clock)
	notifier := &fakeNotifier{results: []notify.DeliveryResult{successfulDelivery()}}
	coord := newTestCoordinator(clock, st, notifier)

	rule := testutil.FixtureRule(func(r *types.AlertRule) {
		r.ID = "r1"
		r.RiskThreshold = testutil.Ptr(70)
	})
	st.rules[rule.ID] = rule

	event := testutil.FixtureEvent("front_door", func(e *types.Event) { e.ID = 1; e.DetectionIDs = "" })
	summary, err := coord.ProcessEvent(context.Background(), event, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Triggered)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 1, summary.Delivered)
	assert.Empty(t, summary.Skipped)

	require.Len(t, st.alerts, 1)
	for _, alert := range st.alerts {
		assert.Equal(t, types.AlertStatusDelivered, alert.Status)
		assert.NotNil(t, alert.DeliveredAt)
		assert.Equal(t, "front_door:r1", alert.DedupKey)
		assert.Equal(t, rule.Name, alert.Metadata["rule_name"])
	}
}

func TestProcessEventDedupHit(t *testing.T) {
	clock := testutil.NewFixedClock(time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC))
	st := newFakeStore(clock)
	notifier := &fakeNotifier{}
	coord := newTestCoordinator(clock, st, notifier)

	rule := testutil.FixtureRule(func(r *types.AlertRule) {
		r.ID = "r1"
		r.CooldownSeconds = 300
	})
	st.rules[rule.ID] = rule

	event := testutil.FixtureEvent("front_door", func(e *types.Event) { e.ID = 1; e.DetectionIDs = "" })
	first, err := coord.ProcessEvent(context.Background(), event, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)

	// A second event 120s later with the same dedup key hits the gate.
	clock.Advance(120 * time.Second)
	later := testutil.FixtureEvent("front_door", func(e *types.Event) { e.ID = 2; e.DetectionIDs = "" })
	second, err := coord.ProcessEvent(context.Background(), later, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, second.Triggered)
	assert.Equal(t, 0, second.Created)
	require.Len(t, second.Skipped, 1)
	assert.Equal(t, "in_cooldown", second.Skipped[0].Reason)
	assert.Len(t, st.alerts, 1)
}

func TestProcessEventCooldownExpired(t *testing.T) {
	clock := testutil.NewFixedClock(time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC))
	st := newFakeStore(clock)
	notifier := &fakeNotifier{}
	coord := newTestCoordinator(clock, st, notifier)

	rule := testutil.FixtureRule(func(r *types.AlertRule) {
		r.ID = "r1"
		r.CooldownSeconds = 300
	})
	st.rules[rule.ID] = rule

	event := testutil.FixtureEvent("front_door", func(e *types.Event) { e.ID = 1; e.DetectionIDs = "" })
	_, err := coord.ProcessEvent(context.Background(), event, nil)
	require.NoError(t, err)

	clock.Advance(600 * time.Second)
	later := testutil.FixtureEvent("front_door", func(e *types.Event) { e.ID = 2; e.DetectionIDs = "" })
	second, err := coord.ProcessEvent(context.Background(), later, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, second.Created)
	assert.Len(t, st.alerts, 2)
}

func TestProcessEventFailedDeliveryLeavesPending(t *testing.T) {
	clock := testutil.NewFixedClock(time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC))
	st := newFakeStore(clock)
	notifier := &fakeNotifier{results: []notify.DeliveryResult{failedDelivery()}}
	coord := newTestCoordinator(clock, st, notifier)

	rule := testutil.FixtureRule(func(r *types.AlertRule) { r.ID = "r1" })
	st.rules[rule.ID] = rule

	event := testutil.FixtureEvent("front_door", func(e *types.Event) { e.ID = 1; e.DetectionIDs = "" })
	summary, err := coord.ProcessEvent(context.Background(), event, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 0, summary.Delivered)

	for _, alert := range st.alerts {
		assert.Equal(t, types.AlertStatusPending, alert.Status)
		assert.Nil(t, alert.DeliveredAt)
		outcomes, ok := alert.Metadata["delivery_outcomes"].([]map[string]any)
		require.True(t, ok)
		require.Len(t, outcomes, 1)
		assert.Equal(t, "smtp_error:connection refused", outcomes[0]["error"])
	}
}

func TestProcessEventMalformedDetectionList(t *testing.T) {
	clock := testutil.NewFixedClock(time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC))
	st := newFakeStore(clock)
	coord := newTestCoordinator(clock, st, &fakeNotifier{})

	// Rule requires a person; the event's detection list is garbage, so
	// detections degrade to empty and the rule does not fire.
	rule := testutil.FixtureRule(func(r *types.AlertRule) {
		r.ID = "r1"
		r.ObjectTypes = []string{"person"}
	})
	st.rules[rule.ID] = rule

	event := testutil.FixtureEvent("front_door", func(e *types.Event) {
		e.ID = 1
		e.DetectionIDs = "{not json"
	})
	summary, err := coord.ProcessEvent(context.Background(), event, nil)

	require.NoError(t, err)
	assert.Equal(t, 0, summary.Triggered)
	assert.Empty(t, st.alerts)
}

func TestProcessEventNoMatchingObjectType(t *testing.T) {
	clock := testutil.NewFixedClock(time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC))
	st := newFakeStore(clock)
	coord := newTestCoordinator(clock, st, &fakeNotifier{})

	rule := testutil.FixtureRule(func(r *types.AlertRule) {
		r.ID = "r1"
		r.ObjectTypes = []string{"person"}
	})
	st.rules[rule.ID] = rule

	st.detections[7] = testutil.FixtureDetection("front_door", func(d *types.Detection) {
		d.ID = 7
		d.ObjectType = "vehicle"
	})
	event := testutil.FixtureEvent("front_door", func(e *types.Event) {
		e.ID = 1
		e.DetectionIDs = "[7]"
	})

	summary, err := coord.ProcessEvent(context.Background(), event, nil)

	require.NoError(t, err)
	assert.Equal(t, 0, summary.Triggered)
	assert.Empty(t, st.alerts)
}

// =============================================================================
// REAPER
// =============================================================================

func TestProcessUndeliveredRedrives(t *testing.T) {
	clock := testutil.NewFixedClock(time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC))
	st := newFakeStore(clock)
	notifier := &fakeNotifier{results: []notify.DeliveryResult{failedDelivery(), successfulDelivery()}}
	coord := newTestCoordinator(clock, st, notifier)

	rule := testutil.FixtureRule(func(r *types.AlertRule) { r.ID = "r1" })
	st.rules[rule.ID] = rule

	event := testutil.FixtureEvent("front_door", func(e *types.Event) { e.ID = 1; e.DetectionIDs = "" })
	_, err := coord.ProcessEvent(context.Background(), event, nil)
	require.NoError(t, err)

	// Too young for the reaper
	redelivered, abandoned, err := coord.ProcessUndelivered(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, redelivered)
	assert.Equal(t, 0, abandoned)

	// After the grace interval the second (successful) delivery runs
	clock.Advance(5 * time.Minute)
	redelivered, abandoned, err = coord.ProcessUndelivered(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, redelivered)
	assert.Equal(t, 0, abandoned)

	for _, alert := range st.alerts {
		assert.Equal(t, types.AlertStatusDelivered, alert.Status)
		assert.Equal(t, 1, alert.Metadata["delivery_attempts"])
	}
}

func TestProcessUndeliveredAbandonsAfterMaxAttempts(t *testing.T) {
	clock := testutil.NewFixedClock(time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC))
	st := newFakeStore(clock)
	notifier := &fakeNotifier{results: []notify.DeliveryResult{failedDelivery()}}
	coord := newTestCoordinator(clock, st, notifier)

	rule := testutil.FixtureRule(func(r *types.AlertRule) { r.ID = "r1" })
	st.rules[rule.ID] = rule

	event := testutil.FixtureEvent("front_door", func(e *types.Event) { e.ID = 1; e.DetectionIDs = "" })
	_, err := coord.ProcessEvent(context.Background(), event, nil)
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	for i := 0; i < coord.config.ReaperMaxAttempts; i++ {
		_, abandoned, err := coord.ProcessUndelivered(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, abandoned)
	}

	// Budget exhausted: the next pass flags the alert
	_, abandoned, err := coord.ProcessUndelivered(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, abandoned)

	for _, alert := range st.alerts {
		assert.Equal(t, types.AlertStatusPending, alert.Status)
		assert.Equal(t, true, alert.Metadata["delivery_abandoned"])
	}

	// Flagged alerts are not retried again
	calls := notifier.calls
	_, abandoned, err = coord.ProcessUndelivered(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, abandoned)
	assert.Equal(t, calls, notifier.calls)
}
