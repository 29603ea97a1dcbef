package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

// =============================================================================
// DEDUPLICATION GATE
// =============================================================================
//
// The gate enforces at most one alert per (dedup_key, cooldown window),
// atomically, under concurrent writers. The database is the serialization
// point: a transaction-scoped advisory lock keyed by the dedup key
// serializes concurrent check-then-insert attempts for the same key, so
// exactly one caller observes isNew=true. The lock releases on commit or
// rollback.
//
// The cooldown window is left-open, right-closed: an alert created exactly
// cooldown seconds ago is not a duplicate, one created any later is.
// Cooldown zero disables deduplication entirely.

// DedupResult describes the outcome of a duplicate check.
type DedupResult struct {
	IsDuplicate      bool         `json:"is_duplicate"`
	Existing         *types.Alert `json:"existing,omitempty"`
	SecondsRemaining int          `json:"seconds_until_cooldown_expires,omitempty"`
}

// CreateAlertParams carries the fields for a gated alert insert.
type CreateAlertParams struct {
	EventID  int64
	DedupKey string
	Severity types.AlertSeverity
	RuleID   *string
	Channels []types.ChannelKind
	Metadata map[string]any

	// CooldownSeconds overrides the rule's cooldown when >= 0;
	// pass -1 to resolve from the rule (default 300 when absent). A rule
	// that no longer exists gets the default 300 either way.
	CooldownSeconds int
}

// CheckDedup returns whether a non-dismissed alert with the same dedup
// key exists inside the cooldown window, without creating anything.
func (s *Store) CheckDedup(ctx context.Context, dedupKey string, cooldownSeconds int) (*DedupResult, error) {
	dedupKey, err := types.ValidateDedupKey(dedupKey)
	if err != nil {
		return nil, err
	}
	return s.checkDedupLocked(ctx, s.pool, dedupKey, cooldownSeconds)
}

// queryer abstracts pool vs transaction for the dedup lookup.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) checkDedupLocked(ctx context.Context, q queryer, dedupKey string, cooldownSeconds int) (*DedupResult, error) {
	if cooldownSeconds <= 0 {
		return &DedupResult{IsDuplicate: false}, nil
	}
	now := s.clock.NowUTC()
	cutoff := now.Add(-time.Duration(cooldownSeconds) * time.Second)

	alert, err := scanAlert(q.QueryRow(ctx, `
		SELECT`+alertColumns+`
		FROM alerts
		WHERE dedup_key = $1 AND created_at > $2 AND status != 'dismissed'
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, dedupKey, cutoff))
	if err == pgx.ErrNoRows {
		return &DedupResult{IsDuplicate: false}, nil
	}
	if err != nil {
		return nil, err
	}

	age := now.Sub(alert.CreatedAt)
	remaining := cooldownSeconds - int(age.Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return &DedupResult{
		IsDuplicate:      true,
		Existing:         alert,
		SecondsRemaining: remaining,
	}, nil
}

// CreateAlertIfNotDuplicate atomically checks the cooldown window and
// inserts a new PENDING alert when no duplicate exists. Returns the alert
// and whether it is new; isNew=false means an existing alert was returned.
//
// A rule deleted between engine evaluation and gate insertion does not
// fail the insert: the alert is created with a null rule reference and the
// default cooldown.
func (s *Store) CreateAlertIfNotDuplicate(ctx context.Context, params CreateAlertParams) (*types.Alert, bool, error) {
	dedupKey, err := types.ValidateDedupKey(params.DedupKey)
	if err != nil {
		return nil, false, err
	}

	cooldown := params.CooldownSeconds
	if cooldown < 0 {
		cooldown, err = s.GetCooldownForRule(ctx, params.RuleID)
		if err != nil {
			return nil, false, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize concurrent inserts for this key. hashtextextended gives a
	// stable 64-bit lock id from the dedup key; the lock releases with
	// the transaction, closing the check-then-insert race.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, dedupKey); err != nil {
		return nil, false, fmt.Errorf("acquire dedup lock: %w", err)
	}

	// Tolerate a rule deleted since evaluation: insert with a null rule_id
	// rather than failing the pipeline on the foreign key, and gate with
	// the default cooldown.
	ruleID := params.RuleID
	if ruleID != nil {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM alert_rules WHERE id = $1)`, *ruleID).Scan(&exists); err != nil {
			return nil, false, err
		}
		if !exists {
			ruleID = nil
			cooldown = types.DefaultCooldownSeconds
		}
	}

	result, err := s.checkDedupLocked(ctx, tx, dedupKey, cooldown)
	if err != nil {
		return nil, false, err
	}
	if result.IsDuplicate {
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return result.Existing, false, nil
	}

	var channelsJSON, metadataJSON []byte
	if len(params.Channels) > 0 {
		channelsJSON, _ = json.Marshal(params.Channels)
	}
	if len(params.Metadata) > 0 {
		metadataJSON, _ = json.Marshal(params.Metadata)
	}

	alert := &types.Alert{
		ID:       uuid.New().String(),
		EventID:  params.EventID,
		RuleID:   ruleID,
		Severity: params.Severity,
		Status:   types.AlertStatusPending,
		DedupKey: dedupKey,
		Channels: params.Channels,
		Metadata: params.Metadata,
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO alerts (id, event_id, rule_id, severity, status, dedup_key, channels, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, alert.ID, alert.EventID, alert.RuleID, alert.Severity, alert.Status,
		alert.DedupKey, channelsJSON, metadataJSON,
	).Scan(&alert.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert alert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return alert, true, nil
}
