package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDedupKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		want    string
		wantErr bool
	}{
		{"simple key", "front_door:person", "front_door:person", false},
		{"all allowed characters", "cam-1.zone_2:Person", "cam-1.zone_2:Person", false},
		{"trims whitespace", "  front_door:person  ", "front_door:person", false},
		{"empty", "", "", true},
		{"whitespace only", "   ", "", true},
		{"forbidden characters", "front door!", "", true},
		{"unicode rejected", "front_döor", "", true},
		{"max length accepted", strings.Repeat("a", 512), strings.Repeat("a", 512), false},
		{"over max length rejected", strings.Repeat("a", 513), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateDedupKey(tt.key)
			if tt.wantErr {
				require.Error(t, err)
				var validationErr *ValidationError
				assert.ErrorAs(t, err, &validationErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildDedupKey(t *testing.T) {
	assert.Equal(t, "front_door:person:entry_zone", BuildDedupKey("front_door", "person", "entry_zone"))
	assert.Equal(t, "front_door:person", BuildDedupKey("front_door", "person", ""))
	assert.Equal(t, "front_door", BuildDedupKey("front_door", "", ""))
}

func TestSeverityLevelOrdering(t *testing.T) {
	assert.Greater(t, AlertSeverityCritical.Level(), AlertSeverityHigh.Level())
	assert.Greater(t, AlertSeverityHigh.Level(), AlertSeverityMedium.Level())
	assert.Greater(t, AlertSeverityMedium.Level(), AlertSeverityLow.Level())
	assert.Equal(t, 0, AlertSeverity("bogus").Level())
	assert.False(t, AlertSeverity("bogus").Valid())
}

func TestRuleAppliesTo(t *testing.T) {
	rule := AlertRule{Enabled: true}
	assert.True(t, rule.AppliesTo("any-camera"), "empty camera list applies to all")

	rule.CameraIDs = []string{"front_door"}
	assert.True(t, rule.AppliesTo("front_door"))
	assert.False(t, rule.AppliesTo("backyard"))

	rule.Enabled = false
	assert.False(t, rule.AppliesTo("front_door"))
}

func TestRuleValidate(t *testing.T) {
	valid := AlertRule{Name: "r", Severity: AlertSeverityLow, CooldownSeconds: 0}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*AlertRule)
	}{
		{"empty name", func(r *AlertRule) { r.Name = " " }},
		{"unknown severity", func(r *AlertRule) { r.Severity = "urgent" }},
		{"negative cooldown", func(r *AlertRule) { r.CooldownSeconds = -1 }},
		{"confidence out of range", func(r *AlertRule) { r.MinConfidence = ptr(1.5) }},
		{"risk threshold out of range", func(r *AlertRule) { r.RiskThreshold = ptr(101) }},
		{"unknown channel", func(r *AlertRule) { r.Channels = []ChannelKind{"sms"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := valid
			tt.mutate(&rule)
			assert.Error(t, rule.Validate())
		})
	}
}

func ptr[T any](v T) *T { return &v }
