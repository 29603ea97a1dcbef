// Package service contains the business logic for the backend.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nightwatch-sec/nightwatch/internal/buffer"
	"github.com/nightwatch-sec/nightwatch/internal/engine"
	"github.com/nightwatch-sec/nightwatch/internal/pipeline"
	"github.com/nightwatch-sec/nightwatch/internal/store"
	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

// Service provides business logic operations.
type Service struct {
	store           *store.Store
	engine          *engine.Engine
	pipeline        *pipeline.Coordinator
	logger          *slog.Logger
	detectionBuffer *buffer.DetectionBuffer // Optional Redis buffer for detection ingest
}

// NewService creates a new service.
func NewService(st *store.Store, eng *engine.Engine, pipe *pipeline.Coordinator, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		engine:   eng,
		pipeline: pipe,
		logger:   logger,
	}
}

// SetDetectionBuffer sets the Redis buffer for detection ingest.
// When set, IngestDetections pushes to Redis instead of writing directly.
func (s *Service) SetDetectionBuffer(buf *buffer.DetectionBuffer) {
	s.detectionBuffer = buf
}

// Store returns the underlying store for direct access (used by handlers
// and middleware).
func (s *Service) Store() *store.Store {
	return s.store
}

// =============================================================================
// INGEST OPERATIONS
// =============================================================================

// IngestDetections validates and persists a batch of detections, through
// the Redis buffer when one is configured.
func (s *Service) IngestDetections(ctx context.Context, detections []types.Detection) (int, error) {
	accepted := make([]types.Detection, 0, len(detections))
	for i := range detections {
		if err := detections[i].Validate(); err != nil {
			s.logger.Warn("rejecting invalid detection", "camera_id", detections[i].CameraID, "error", err)
			continue
		}
		if detections[i].DetectedAt.IsZero() {
			detections[i].DetectedAt = time.Now().UTC()
		}
		accepted = append(accepted, detections[i])
	}
	if len(accepted) == 0 {
		return 0, nil
	}

	if s.detectionBuffer != nil {
		if err := s.detectionBuffer.Push(ctx, accepted); err != nil {
			return 0, err
		}
		return len(accepted), nil
	}

	batch := make([]*types.Detection, len(accepted))
	for i := range accepted {
		batch[i] = &accepted[i]
	}
	if err := s.store.BulkCreateDetections(ctx, batch); err != nil {
		return 0, err
	}
	return len(accepted), nil
}

// FinalizeEvent persists a new event and immediately runs the alert
// pipeline for it. This is the in-process entry point for the batching
// component.
func (s *Service) FinalizeEvent(ctx context.Context, event *types.Event) (*pipeline.Summary, error) {
	if err := s.store.CreateEvent(ctx, event); err != nil {
		return nil, err
	}
	return s.pipeline.ProcessEvent(ctx, event, nil)
}

// ProcessEvent runs the alert pipeline for an already persisted event.
func (s *Service) ProcessEvent(ctx context.Context, eventID int64) (*pipeline.Summary, error) {
	return s.pipeline.ProcessEventByID(ctx, eventID)
}

// =============================================================================
// RULE OPERATIONS
// =============================================================================

// CreateRule fills server-side fields and stores a new rule.
func (s *Service) CreateRule(ctx context.Context, rule *types.AlertRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	return s.store.CreateRule(ctx, rule)
}

// TestRuleParams controls a rule test run.
type TestRuleParams struct {
	EventIDs []int64
	Limit    int
	TestTime *string
}

// TestRule evaluates a stored rule against historical events without
// creating alerts or consulting the dedup gate.
func (s *Service) TestRule(ctx context.Context, ruleID string, params TestRuleParams) (*types.AlertRule, []engine.RuleTestResult, error) {
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, nil, err
	}
	if rule == nil {
		return nil, nil, types.ErrNotFound
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 10
	}
	events, err := s.store.GetRecentEvents(ctx, params.EventIDs, limit)
	if err != nil {
		return nil, nil, err
	}

	detections := make(map[int64][]types.Detection, len(events))
	for i := range events {
		ids := events[i].ParseDetectionIDs()
		if len(ids) == 0 {
			continue
		}
		loaded, err := s.store.GetDetectionsByIDs(ctx, ids)
		if err != nil {
			return nil, nil, err
		}
		detections[events[i].ID] = loaded
	}

	return rule, s.engine.TestRule(*rule, events, detections, params.TestTime), nil
}
