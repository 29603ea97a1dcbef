package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseDetectionIDs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []int64
	}{
		{"valid list", "[1, 2, 3]", []int64{1, 2, 3}},
		{"empty string", "", nil},
		{"whitespace", "   ", nil},
		{"empty list", "[]", nil},
		{"non-list json", `{"a": 1}`, nil},
		{"malformed json", "[1, 2,", nil},
		{"non-integer elements", `["a", "b"]`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := Event{DetectionIDs: tt.raw}
			got := event.ParseDetectionIDs()
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventValidate(t *testing.T) {
	now := time.Now().UTC()
	earlier := now.Add(-time.Hour)

	valid := Event{CameraID: "c1", StartedAt: earlier, EndedAt: &now}
	assert.NoError(t, valid.Validate())

	backwards := Event{CameraID: "c1", StartedAt: now, EndedAt: &earlier}
	assert.Error(t, backwards.Validate())

	badScore := Event{CameraID: "c1", StartedAt: earlier, RiskScore: ptr(120)}
	assert.Error(t, badScore.Validate())
}

func TestDetectionValidate(t *testing.T) {
	valid := Detection{CameraID: "c1", Confidence: ptr(0.5)}
	assert.NoError(t, valid.Validate())

	assert.Error(t, (&Detection{}).Validate())
	assert.Error(t, (&Detection{CameraID: "c1", Confidence: ptr(1.2)}).Validate())
	assert.Error(t, (&Detection{CameraID: "c1", Confidence: ptr(-0.1)}).Validate())
}

func TestValidateFolderPath(t *testing.T) {
	assert.NoError(t, ValidateFolderPath("cameras/front_door"))
	assert.Error(t, ValidateFolderPath(""))
	assert.Error(t, ValidateFolderPath("../etc/passwd"))
	assert.Error(t, ValidateFolderPath("cameras/\x00evil"))
}
