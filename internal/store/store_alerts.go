package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

// =============================================================================
// ALERT LIFECYCLE STATE MACHINE
// =============================================================================

// allowedTransitions is the alert lifecycle graph:
//
//	PENDING   -> DELIVERED | DISMISSED
//	DELIVERED -> ACKNOWLEDGED
//	ACKNOWLEDGED -> DISMISSED
//
// Re-issuing a transition into the current state is an idempotent no-op.
var allowedTransitions = map[types.AlertStatus][]types.AlertStatus{
	types.AlertStatusPending:      {types.AlertStatusDelivered, types.AlertStatusDismissed},
	types.AlertStatusDelivered:    {types.AlertStatusAcknowledged},
	types.AlertStatusAcknowledged: {types.AlertStatusDismissed},
	types.AlertStatusDismissed:    {},
}

// canTransition reports whether from -> to is in the lifecycle graph.
func canTransition(from, to types.AlertStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transitionAlert moves an alert to a new status under a row lock,
// validating the lifecycle graph. The extra SET clause lets MarkDelivered
// stamp delivered_at atomically with the status change.
func (s *Store) transitionAlert(ctx context.Context, id string, to types.AlertStatus, extraSet string) (*types.Alert, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current types.AlertStatus
	err = tx.QueryRow(ctx, `SELECT status FROM alerts WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err == pgx.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if current != to {
		if !canTransition(current, to) {
			return nil, &types.InvalidTransitionError{From: current, To: to}
		}
		set := "status = $2"
		if extraSet != "" {
			set += ", " + extraSet
		}
		if _, err := tx.Exec(ctx, `UPDATE alerts SET `+set+` WHERE id = $1`, id, to); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.GetAlert(ctx, id)
}

// MarkDelivered transitions an alert to DELIVERED and stamps delivered_at.
func (s *Store) MarkDelivered(ctx context.Context, id string) (*types.Alert, error) {
	return s.transitionAlert(ctx, id, types.AlertStatusDelivered, "delivered_at = NOW()")
}

// MarkAcknowledged transitions an alert to ACKNOWLEDGED.
func (s *Store) MarkAcknowledged(ctx context.Context, id string) (*types.Alert, error) {
	return s.transitionAlert(ctx, id, types.AlertStatusAcknowledged, "")
}

// MarkDismissed transitions an alert to DISMISSED. Dismissing an already
// dismissed alert is a no-op success.
func (s *Store) MarkDismissed(ctx context.Context, id string) (*types.Alert, error) {
	return s.transitionAlert(ctx, id, types.AlertStatusDismissed, "")
}

// =============================================================================
// ALERT QUERIES
// =============================================================================

const alertColumns = `
	id, event_id, rule_id, severity, status, dedup_key,
	channels, metadata, created_at, delivered_at`

func scanAlert(row pgx.Row) (*types.Alert, error) {
	var alert types.Alert
	var channelsJSON, metadataJSON []byte
	err := row.Scan(
		&alert.ID, &alert.EventID, &alert.RuleID, &alert.Severity, &alert.Status,
		&alert.DedupKey, &channelsJSON, &metadataJSON, &alert.CreatedAt, &alert.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	if len(channelsJSON) > 0 {
		json.Unmarshal(channelsJSON, &alert.Channels)
	}
	if len(metadataJSON) > 0 {
		json.Unmarshal(metadataJSON, &alert.Metadata)
	}
	return &alert, nil
}

// GetAlert retrieves an alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	alert, err := scanAlert(s.pool.QueryRow(ctx, `SELECT`+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return alert, nil
}

// ListAlerts returns alerts matching the given filter, ordered by
// created_at descending with id as the tiebreak.
func (s *Store) ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error) {
	where := "1=1"
	args := []interface{}{}
	argNum := 1

	if filter.EventID != nil {
		where += fmt.Sprintf(" AND event_id = $%d", argNum)
		args = append(args, *filter.EventID)
		argNum++
	}
	if filter.RuleID != nil {
		where += fmt.Sprintf(" AND rule_id = $%d", argNum)
		args = append(args, *filter.RuleID)
		argNum++
	}
	if filter.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, *filter.Status)
		argNum++
	}
	if filter.Severity != nil {
		where += fmt.Sprintf(" AND severity = $%d", argNum)
		args = append(args, *filter.Severity)
		argNum++
	}
	if filter.DedupKey != nil {
		where += fmt.Sprintf(" AND dedup_key = $%d", argNum)
		args = append(args, *filter.DedupKey)
		argNum++
	}
	if filter.Since != nil {
		where += fmt.Sprintf(" AND created_at >= $%d", argNum)
		args = append(args, *filter.Since)
		argNum++
	}

	limit := clampLimit(filter.Limit)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT %s FROM alerts
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, alertColumns, where, argNum, argNum+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []types.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *alert)
	}
	return alerts, rows.Err()
}

// GetRecentAlerts returns the most recent alerts across all dimensions.
func (s *Store) GetRecentAlerts(ctx context.Context, limit int) ([]types.Alert, error) {
	return s.ListAlerts(ctx, types.AlertFilter{Limit: limit})
}

// GetUndelivered returns alerts with status=PENDING and delivered_at IS NULL,
// ordered ascending by created_at (FIFO for the delivery reaper).
func (s *Store) GetUndelivered(ctx context.Context, limit int) ([]types.Alert, error) {
	limit = clampLimit(limit)
	rows, err := s.pool.Query(ctx, `
		SELECT`+alertColumns+`
		FROM alerts
		WHERE status = 'pending' AND delivered_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []types.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *alert)
	}
	return alerts, rows.Err()
}

// GetAbandonedAlerts returns pending alerts flagged delivery_abandoned
// after exhausting redelivery attempts.
func (s *Store) GetAbandonedAlerts(ctx context.Context, limit int) ([]types.Alert, error) {
	limit = clampLimit(limit)
	rows, err := s.pool.Query(ctx, `
		SELECT`+alertColumns+`
		FROM alerts
		WHERE status = 'pending' AND metadata->>'delivery_abandoned' = 'true'
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []types.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *alert)
	}
	return alerts, rows.Err()
}

// MergeAlertMetadata merges the given keys into the alert's metadata map.
// Used to record per-channel delivery outcomes and redelivery attempts.
func (s *Store) MergeAlertMetadata(ctx context.Context, id string, patch map[string]any) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal metadata patch: %w", err)
	}
	result, err := s.pool.Exec(ctx, `
		UPDATE alerts SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb
		WHERE id = $1
	`, id, patchJSON)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

// CheckDuplicate is the read-only companion to the dedup gate for read
// paths that do not create alerts. The gate owns the authoritative
// check-and-insert invariant.
func (s *Store) CheckDuplicate(ctx context.Context, dedupKey string, cooldownSeconds int) (bool, error) {
	dedupKey, err := types.ValidateDedupKey(dedupKey)
	if err != nil {
		return false, err
	}
	if cooldownSeconds <= 0 {
		return false, nil
	}
	cutoff := s.clock.NowUTC().Add(-time.Duration(cooldownSeconds) * time.Second)
	var exists bool
	err = s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM alerts
			WHERE dedup_key = $1 AND created_at > $2 AND status != 'dismissed'
		)
	`, dedupKey, cutoff).Scan(&exists)
	return exists, err
}

// GetRecentAlertsForKey returns recent alerts sharing a dedup key,
// newest first. Useful for viewing alert history for one event pattern.
func (s *Store) GetRecentAlertsForKey(ctx context.Context, dedupKey string, window time.Duration, limit int) ([]types.Alert, error) {
	dedupKey, err := types.ValidateDedupKey(dedupKey)
	if err != nil {
		return nil, err
	}
	since := s.clock.NowUTC().Add(-window)
	return s.ListAlerts(ctx, types.AlertFilter{
		DedupKey: &dedupKey,
		Since:    &since,
		Limit:    limit,
	})
}

// DedupStats summarizes deduplication effectiveness over a window.
type DedupStats struct {
	TotalAlerts     int     `json:"total_alerts"`
	UniqueDedupKeys int     `json:"unique_dedup_keys"`
	DedupRatio      float64 `json:"dedup_ratio"`
}

// GetDuplicateStats reports alert totals, unique dedup keys, and their
// ratio within the window.
func (s *Store) GetDuplicateStats(ctx context.Context, window time.Duration) (*DedupStats, error) {
	cutoff := s.clock.NowUTC().Add(-window)
	var stats DedupStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT dedup_key)
		FROM alerts WHERE created_at >= $1
	`, cutoff).Scan(&stats.TotalAlerts, &stats.UniqueDedupKeys)
	if err != nil {
		return nil, err
	}
	if stats.TotalAlerts > 0 {
		stats.DedupRatio = float64(stats.UniqueDedupKeys) / float64(stats.TotalAlerts)
	}
	return &stats, nil
}
