// Package store provides database access for the backend.
//
// # Design
//
// The store uses raw SQL with pgx. The database is the single
// serialization point for the alert pipeline: all cross-task coordination
// happens through transactions and advisory locks, never through shared
// in-process state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

// Store provides database operations.
type Store struct {
	pool  *pgxpool.Pool
	clock types.Clock
}

// NewStore creates a new store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, clock: types.SystemClock{}}
}

// NewStoreFromURL creates a new store by connecting to the given database URL.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return NewStore(pool), nil
}

// SetClock overrides the store's clock. Used by tests to drive the
// dedup gate's cooldown window deterministically.
func (s *Store) SetClock(clock types.Clock) {
	s.clock = clock
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool for advanced operations.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// CAMERAS
// =============================================================================

// CreateCamera registers a new camera.
func (s *Store) CreateCamera(ctx context.Context, camera *types.Camera) error {
	if err := types.ValidateFolderPath(camera.FolderPath); err != nil {
		return err
	}
	if camera.Status == "" {
		camera.Status = types.CameraStatusUnknown
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cameras (id, name, folder_path, status, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, camera.ID, camera.Name, camera.FolderPath, camera.Status)
	if isUniqueViolation(err) {
		return &types.ConflictError{Resource: "camera", Detail: "id already exists: " + camera.ID}
	}
	return err
}

// GetCamera retrieves a camera by ID.
func (s *Store) GetCamera(ctx context.Context, id string) (*types.Camera, error) {
	var camera types.Camera
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, folder_path, status, created_at, last_seen_at
		FROM cameras WHERE id = $1
	`, id).Scan(
		&camera.ID, &camera.Name, &camera.FolderPath, &camera.Status,
		&camera.CreatedAt, &camera.LastSeenAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &camera, nil
}

// ListCameras returns all cameras ordered by name.
func (s *Store) ListCameras(ctx context.Context) ([]types.Camera, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, folder_path, status, created_at, last_seen_at
		FROM cameras ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cameras []types.Camera
	for rows.Next() {
		var camera types.Camera
		if err := rows.Scan(
			&camera.ID, &camera.Name, &camera.FolderPath, &camera.Status,
			&camera.CreatedAt, &camera.LastSeenAt,
		); err != nil {
			return nil, err
		}
		cameras = append(cameras, camera)
	}
	return cameras, rows.Err()
}

// UpdateCameraStatus updates a camera's lifecycle status and stamps last_seen_at.
func (s *Store) UpdateCameraStatus(ctx context.Context, id string, status types.CameraStatus) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE cameras SET status = $2, last_seen_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

// DeleteCamera removes a camera. Detections, events, and alerts cascade
// at the schema level; the store only tolerates the cascade.
func (s *Store) DeleteCamera(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM cameras WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

// =============================================================================
// DETECTIONS
// =============================================================================

// CreateDetection inserts a single detection and fills its id.
func (s *Store) CreateDetection(ctx context.Context, detection *types.Detection) error {
	if err := detection.Validate(); err != nil {
		return err
	}
	boxJSON, enrichmentJSON := detectionJSON(detection)
	return s.pool.QueryRow(ctx, `
		INSERT INTO detections (camera_id, detected_at, object_type, confidence, box, enrichment)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
		RETURNING id
	`, detection.CameraID, detection.DetectedAt, detection.ObjectType,
		detection.Confidence, boxJSON, enrichmentJSON,
	).Scan(&detection.ID)
}

// BulkCreateDetections inserts a batch of detections in a single round trip.
// Used by the ingest buffer flusher.
func (s *Store) BulkCreateDetections(ctx context.Context, detections []*types.Detection) error {
	if len(detections) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range detections {
		boxJSON, enrichmentJSON := detectionJSON(d)
		batch.Queue(`
			INSERT INTO detections (camera_id, detected_at, object_type, confidence, box, enrichment)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
		`, d.CameraID, d.DetectedAt, d.ObjectType, d.Confidence, boxJSON, enrichmentJSON)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range detections {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("bulk insert detections: %w", err)
		}
	}
	return nil
}

// GetDetectionsByIDs fetches detections by id. Missing ids are silently
// dropped so a stale event detection list never aborts the pipeline.
func (s *Store) GetDetectionsByIDs(ctx context.Context, ids []int64) ([]types.Detection, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, camera_id, detected_at, COALESCE(object_type, ''), confidence, box, enrichment
		FROM detections
		WHERE id = ANY($1)
		ORDER BY detected_at, id
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDetections(rows)
}

// ListDetectionsByCamera returns recent detections for a camera.
func (s *Store) ListDetectionsByCamera(ctx context.Context, cameraID string, since time.Time, limit int) ([]types.Detection, error) {
	limit = clampLimit(limit)
	rows, err := s.pool.Query(ctx, `
		SELECT id, camera_id, detected_at, COALESCE(object_type, ''), confidence, box, enrichment
		FROM detections
		WHERE camera_id = $1 AND detected_at >= $2
		ORDER BY detected_at DESC, id DESC
		LIMIT $3
	`, cameraID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDetections(rows)
}

func scanDetections(rows pgx.Rows) ([]types.Detection, error) {
	var detections []types.Detection
	for rows.Next() {
		var d types.Detection
		var boxJSON, enrichmentJSON []byte
		if err := rows.Scan(
			&d.ID, &d.CameraID, &d.DetectedAt, &d.ObjectType,
			&d.Confidence, &boxJSON, &enrichmentJSON,
		); err != nil {
			return nil, err
		}
		if len(boxJSON) > 0 {
			json.Unmarshal(boxJSON, &d.Box)
		}
		if len(enrichmentJSON) > 0 {
			json.Unmarshal(enrichmentJSON, &d.Enrichment)
		}
		detections = append(detections, d)
	}
	return detections, rows.Err()
}

func detectionJSON(d *types.Detection) (boxJSON, enrichmentJSON []byte) {
	if d.Box != nil {
		boxJSON, _ = json.Marshal(d.Box)
	}
	if len(d.Enrichment) > 0 {
		enrichmentJSON, _ = json.Marshal(d.Enrichment)
	}
	return boxJSON, enrichmentJSON
}

// =============================================================================
// EVENTS
// =============================================================================

// CreateEvent inserts a new event and fills its id.
func (s *Store) CreateEvent(ctx context.Context, event *types.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO events (camera_id, batch_id, started_at, ended_at, risk_score, risk_level, summary, reasoning, detection_ids)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
		RETURNING id
	`, event.CameraID, event.BatchID, event.StartedAt, event.EndedAt,
		event.RiskScore, string(event.RiskLevel), event.Summary, event.Reasoning, event.DetectionIDs,
	).Scan(&event.ID)
}

// GetEvent retrieves an event by ID.
func (s *Store) GetEvent(ctx context.Context, id int64) (*types.Event, error) {
	var event types.Event
	var riskLevel *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, camera_id, batch_id, started_at, ended_at, risk_score, risk_level,
			COALESCE(summary, ''), COALESCE(reasoning, ''), COALESCE(detection_ids, '')
		FROM events WHERE id = $1
	`, id).Scan(
		&event.ID, &event.CameraID, &event.BatchID, &event.StartedAt, &event.EndedAt,
		&event.RiskScore, &riskLevel, &event.Summary, &event.Reasoning, &event.DetectionIDs,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if riskLevel != nil {
		event.RiskLevel = types.RiskLevel(*riskLevel)
	}
	return &event, nil
}

// GetRecentEvents returns the most recent events, optionally restricted
// to a set of ids. Used by the rule-testing API.
func (s *Store) GetRecentEvents(ctx context.Context, ids []int64, limit int) ([]types.Event, error) {
	limit = clampLimit(limit)

	query := `
		SELECT id, camera_id, batch_id, started_at, ended_at, risk_score, risk_level,
			COALESCE(summary, ''), COALESCE(reasoning, ''), COALESCE(detection_ids, '')
		FROM events`
	args := []interface{}{}
	if len(ids) > 0 {
		query += ` WHERE id = ANY($1) ORDER BY started_at DESC, id DESC LIMIT $2`
		args = append(args, ids, limit)
	} else {
		query += ` ORDER BY started_at DESC, id DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var event types.Event
		var riskLevel *string
		if err := rows.Scan(
			&event.ID, &event.CameraID, &event.BatchID, &event.StartedAt, &event.EndedAt,
			&event.RiskScore, &riskLevel, &event.Summary, &event.Reasoning, &event.DetectionIDs,
		); err != nil {
			return nil, err
		}
		if riskLevel != nil {
			event.RiskLevel = types.RiskLevel(*riskLevel)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return defaultListLimit
	}
	return limit
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
