// Package types defines the shared domain model for the backend.
//
// # Entities
//
// Camera    - a registered camera feed with a storage folder
// Detection - a single pre-computed object detection from a camera
// Event     - a temporal grouping of detections with a risk assessment
// AlertRule - a declarative predicate over events and detections (alerts.go)
// Alert     - a triggered, deduplicated notification record (alerts.go)
//
// The database exclusively owns entity state; values of these types held
// in memory are snapshots valid only for the current pipeline pass.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CameraStatus tracks camera connectivity.
type CameraStatus string

const (
	CameraStatusOnline  CameraStatus = "online"
	CameraStatusOffline CameraStatus = "offline"
	CameraStatusError   CameraStatus = "error"
	CameraStatusUnknown CameraStatus = "unknown"
)

// Camera represents a registered camera feed.
type Camera struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	FolderPath string       `json:"folder_path"`
	Status     CameraStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	LastSeenAt *time.Time   `json:"last_seen_at,omitempty"`
}

// ValidateFolderPath rejects folder paths that could escape the storage root.
func ValidateFolderPath(path string) error {
	if path == "" {
		return &ValidationError{Field: "folder_path", Reason: "must not be empty"}
	}
	if strings.Contains(path, "..") {
		return &ValidationError{Field: "folder_path", Reason: "must not contain path traversal"}
	}
	for _, c := range []string{"\x00", "\n", "\r"} {
		if strings.Contains(path, c) {
			return &ValidationError{Field: "folder_path", Reason: "contains forbidden character"}
		}
	}
	return nil
}

// BoundingBox is the pixel rectangle of a detection within a frame.
type BoundingBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Detection is a single pre-computed object detection.
// ObjectType is empty when the detector did not classify the object.
type Detection struct {
	ID         int64          `json:"id"`
	CameraID   string         `json:"camera_id"`
	DetectedAt time.Time      `json:"detected_at"`
	ObjectType string         `json:"object_type,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	Box        *BoundingBox   `json:"box,omitempty"`
	Enrichment map[string]any `json:"enrichment,omitempty"`
}

// Validate checks detection invariants.
func (d *Detection) Validate() error {
	if d.CameraID == "" {
		return &ValidationError{Field: "camera_id", Reason: "must not be empty"}
	}
	if d.Confidence != nil && (*d.Confidence < 0 || *d.Confidence > 1) {
		return &ValidationError{Field: "confidence", Reason: "must be in [0,1]"}
	}
	return nil
}

// RiskLevel buckets an event's risk score.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// Event is a temporal grouping of detections from one camera with a
// risk assessment, produced by the ingest pipeline.
type Event struct {
	ID        int64      `json:"id"`
	CameraID  string     `json:"camera_id"`
	BatchID   string     `json:"batch_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	RiskScore *int       `json:"risk_score,omitempty"`
	RiskLevel RiskLevel  `json:"risk_level,omitempty"`
	Summary   string     `json:"summary,omitempty"`
	Reasoning string     `json:"reasoning,omitempty"`

	// DetectionIDs is the serialized JSON array of detection ids,
	// stored verbatim as written by the batching component.
	DetectionIDs string `json:"detection_ids,omitempty"`
}

// Validate checks event invariants.
func (e *Event) Validate() error {
	if e.EndedAt != nil && e.StartedAt.After(*e.EndedAt) {
		return &ValidationError{Field: "started_at", Reason: "must not be after ended_at"}
	}
	if e.RiskScore != nil && (*e.RiskScore < 0 || *e.RiskScore > 100) {
		return &ValidationError{Field: "risk_score", Reason: "must be in [0,100]"}
	}
	return nil
}

// ParseDetectionIDs decodes the serialized detection-id list.
// A missing, empty, or non-list payload yields an empty slice rather
// than an error so a malformed event never aborts the pipeline.
func (e *Event) ParseDetectionIDs() []int64 {
	if strings.TrimSpace(e.DetectionIDs) == "" {
		return nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(e.DetectionIDs), &ids); err != nil {
		return nil
	}
	return ids
}

// Clock supplies the current time to components that reason about time
// windows, so tests can drive time deterministically.
type Clock interface {
	NowUTC() time.Time
}

// SystemClock is the wall-clock Clock used in production.
type SystemClock struct{}

// NowUTC returns the current time in UTC.
func (SystemClock) NowUTC() time.Time { return time.Now().UTC() }

// ValidationError reports a malformed field on an entity or request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
