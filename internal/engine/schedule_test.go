package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightwatch-sec/nightwatch/internal/testutil"
	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

func evaluateAt(t *testing.T, sched types.Schedule, now time.Time) bool {
	t.Helper()
	eng := newTestEngine(now)
	rule := testutil.FixtureRule(func(r *types.AlertRule) {
		r.Schedule = &sched
	})
	event := testutil.FixtureEvent("front_door")
	result := eng.Evaluate([]types.AlertRule{rule}, event, nil)
	require.Empty(t, result.Skipped)
	return len(result.Triggered) == 1
}

func TestScheduleNormalWindow(t *testing.T) {
	sched := types.Schedule{Timezone: "UTC", StartTime: "09:00", EndTime: "17:00"}

	assert.True(t, evaluateAt(t, sched, time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)))
	assert.True(t, evaluateAt(t, sched, time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)))
	assert.True(t, evaluateAt(t, sched, time.Date(2025, 6, 10, 17, 0, 0, 0, time.UTC)))
	assert.False(t, evaluateAt(t, sched, time.Date(2025, 6, 10, 8, 59, 0, 0, time.UTC)))
	assert.False(t, evaluateAt(t, sched, time.Date(2025, 6, 10, 20, 0, 0, 0, time.UTC)))
}

func TestScheduleWrapsMidnight(t *testing.T) {
	sched := types.Schedule{Timezone: "UTC", StartTime: "22:00", EndTime: "06:00"}

	assert.True(t, evaluateAt(t, sched, time.Date(2025, 6, 10, 23, 30, 0, 0, time.UTC)))
	assert.True(t, evaluateAt(t, sched, time.Date(2025, 6, 10, 2, 30, 0, 0, time.UTC)))
	assert.False(t, evaluateAt(t, sched, time.Date(2025, 6, 10, 7, 0, 0, 0, time.UTC)))
	assert.False(t, evaluateAt(t, sched, time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)))
}

func TestScheduleDayFilter(t *testing.T) {
	sched := types.Schedule{Timezone: "UTC", Days: []string{"monday", "tuesday"}}

	tuesday := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	assert.True(t, evaluateAt(t, sched, tuesday))

	saturday := time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)
	assert.False(t, evaluateAt(t, sched, saturday))
}

func TestScheduleDaysObserveTimezone(t *testing.T) {
	// 02:00 UTC Wednesday is still Tuesday evening in Chicago.
	sched := types.Schedule{Timezone: "America/Chicago", Days: []string{"tuesday"}}

	wednesdayUTC := time.Date(2025, 6, 11, 2, 0, 0, 0, time.UTC)
	assert.True(t, evaluateAt(t, sched, wednesdayUTC))
}

func TestScheduleUnknownTimezoneFallsBackToUTC(t *testing.T) {
	sched := types.Schedule{Timezone: "Not/AZone", StartTime: "09:00", EndTime: "17:00"}

	assert.True(t, evaluateAt(t, sched, time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)))
	assert.False(t, evaluateAt(t, sched, time.Date(2025, 6, 10, 20, 0, 0, 0, time.UTC)))
}

func TestScheduleUnparseableTimeFailsOpen(t *testing.T) {
	sched := types.Schedule{Timezone: "UTC", StartTime: "not-a-time", EndTime: "17:00"}

	assert.True(t, evaluateAt(t, sched, time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)))
}

func TestScheduleEmptyMatchesAlways(t *testing.T) {
	sched := types.Schedule{}

	assert.True(t, evaluateAt(t, sched, time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)))
	assert.True(t, evaluateAt(t, sched, time.Date(2025, 6, 14, 23, 59, 0, 0, time.UTC)))
}
