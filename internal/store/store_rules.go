package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

// =============================================================================
// ALERT RULES
// =============================================================================

const ruleColumns = `
	id, name, COALESCE(description, ''), enabled, severity,
	risk_threshold, camera_ids, object_types, min_confidence, zone_ids, schedule,
	dedup_key_template, cooldown_seconds, channels, created_at, updated_at`

// severityOrder ranks severities in SQL so rule listings match the
// engine's critical > high > medium > low priority.
const severityOrder = `
	CASE severity
		WHEN 'critical' THEN 4
		WHEN 'high' THEN 3
		WHEN 'medium' THEN 2
		ELSE 1
	END`

func scanRule(row pgx.Row) (*types.AlertRule, error) {
	var rule types.AlertRule
	var cameraIDs, objectTypes, zoneIDs, schedule, channels []byte
	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Description, &rule.Enabled, &rule.Severity,
		&rule.RiskThreshold, &cameraIDs, &objectTypes, &rule.MinConfidence, &zoneIDs, &schedule,
		&rule.DedupKeyTemplate, &rule.CooldownSeconds, &channels, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(cameraIDs) > 0 {
		json.Unmarshal(cameraIDs, &rule.CameraIDs)
	}
	if len(objectTypes) > 0 {
		json.Unmarshal(objectTypes, &rule.ObjectTypes)
	}
	if len(zoneIDs) > 0 {
		json.Unmarshal(zoneIDs, &rule.ZoneIDs)
	}
	if len(schedule) > 0 {
		json.Unmarshal(schedule, &rule.Schedule)
	}
	if len(channels) > 0 {
		json.Unmarshal(channels, &rule.Channels)
	}
	return &rule, nil
}

func ruleJSON(rule *types.AlertRule) (cameraIDs, objectTypes, zoneIDs, schedule, channels []byte) {
	if len(rule.CameraIDs) > 0 {
		cameraIDs, _ = json.Marshal(rule.CameraIDs)
	}
	if len(rule.ObjectTypes) > 0 {
		objectTypes, _ = json.Marshal(rule.ObjectTypes)
	}
	if len(rule.ZoneIDs) > 0 {
		zoneIDs, _ = json.Marshal(rule.ZoneIDs)
	}
	if rule.Schedule != nil {
		schedule, _ = json.Marshal(rule.Schedule)
	}
	if len(rule.Channels) > 0 {
		channels, _ = json.Marshal(rule.Channels)
	}
	return
}

// CreateRule inserts a new alert rule. A duplicate name is a ConflictError.
func (s *Store) CreateRule(ctx context.Context, rule *types.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.DedupKeyTemplate == "" {
		rule.DedupKeyTemplate = types.DefaultDedupKeyTemplate
	}
	cameraIDs, objectTypes, zoneIDs, schedule, channels := ruleJSON(rule)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_rules (
			id, name, description, enabled, severity,
			risk_threshold, camera_ids, object_types, min_confidence, zone_ids, schedule,
			dedup_key_template, cooldown_seconds, channels
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		rule.ID, rule.Name, rule.Description, rule.Enabled, rule.Severity,
		rule.RiskThreshold, cameraIDs, objectTypes, rule.MinConfidence, zoneIDs, schedule,
		rule.DedupKeyTemplate, rule.CooldownSeconds, channels,
	)
	if isUniqueViolation(err) {
		return &types.ConflictError{Resource: "alert_rule", Detail: "name already exists: " + rule.Name}
	}
	return err
}

// GetRule retrieves a rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (*types.AlertRule, error) {
	rule, err := scanRule(s.pool.QueryRow(ctx, `SELECT`+ruleColumns+` FROM alert_rules WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// GetRuleByName finds a rule by its unique name.
func (s *Store) GetRuleByName(ctx context.Context, name string) (*types.AlertRule, error) {
	rule, err := scanRule(s.pool.QueryRow(ctx, `SELECT`+ruleColumns+` FROM alert_rules WHERE name = $1`, name))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListRules returns rules matching the filter plus the unpaginated count.
func (s *Store) ListRules(ctx context.Context, filter types.RuleFilter) ([]types.AlertRule, int, error) {
	where := "1=1"
	args := []interface{}{}
	argNum := 1

	if filter.Enabled != nil {
		where += fmt.Sprintf(" AND enabled = $%d", argNum)
		args = append(args, *filter.Enabled)
		argNum++
	}
	if filter.Severity != nil {
		where += fmt.Sprintf(" AND severity = $%d", argNum)
		args = append(args, *filter.Severity)
		argNum++
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM alert_rules WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := clampLimit(filter.Limit)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT %s FROM alert_rules
		WHERE %s
		ORDER BY name
		LIMIT $%d OFFSET $%d
	`, ruleColumns, where, argNum, argNum+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var rules []types.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, 0, err
		}
		rules = append(rules, *rule)
	}
	return rules, total, rows.Err()
}

// GetEnabledRules returns all enabled rules.
func (s *Store) GetEnabledRules(ctx context.Context) ([]types.AlertRule, error) {
	enabled := true
	rules, _, err := s.ListRules(ctx, types.RuleFilter{Enabled: &enabled, Limit: maxListLimit})
	return rules, err
}

// GetRulesForCamera returns the enabled rules applicable to a camera,
// ordered by severity descending. A rule applies when its camera list is
// empty (all cameras) or contains the camera id.
func (s *Store) GetRulesForCamera(ctx context.Context, cameraID string) ([]types.AlertRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+ruleColumns+`
		FROM alert_rules
		WHERE enabled
		  AND (camera_ids IS NULL OR camera_ids = '[]'::jsonb OR camera_ids @> to_jsonb($1::text))
		ORDER BY `+severityOrder+` DESC, name
	`, cameraID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []types.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

// UpdateRule replaces a rule's mutable fields and bumps updated_at.
func (s *Store) UpdateRule(ctx context.Context, rule *types.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	cameraIDs, objectTypes, zoneIDs, schedule, channels := ruleJSON(rule)
	result, err := s.pool.Exec(ctx, `
		UPDATE alert_rules SET
			name = $2, description = $3, enabled = $4, severity = $5,
			risk_threshold = $6, camera_ids = $7, object_types = $8,
			min_confidence = $9, zone_ids = $10, schedule = $11,
			dedup_key_template = $12, cooldown_seconds = $13, channels = $14,
			updated_at = NOW()
		WHERE id = $1
	`,
		rule.ID, rule.Name, rule.Description, rule.Enabled, rule.Severity,
		rule.RiskThreshold, cameraIDs, objectTypes, rule.MinConfidence, zoneIDs, schedule,
		rule.DedupKeyTemplate, rule.CooldownSeconds, channels,
	)
	if isUniqueViolation(err) {
		return &types.ConflictError{Resource: "alert_rule", Detail: "name already exists: " + rule.Name}
	}
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

// DeleteRule removes a rule. Alerts referencing it keep a null rule_id.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

// GetCooldownForRule resolves the cooldown for a rule id. A nil rule id or
// a rule deleted between evaluation and alert creation both resolve to the
// default cooldown.
func (s *Store) GetCooldownForRule(ctx context.Context, ruleID *string) (int, error) {
	if ruleID == nil {
		return types.DefaultCooldownSeconds, nil
	}
	var cooldown int
	err := s.pool.QueryRow(ctx, `SELECT cooldown_seconds FROM alert_rules WHERE id = $1`, *ruleID).Scan(&cooldown)
	if err == pgx.ErrNoRows {
		return types.DefaultCooldownSeconds, nil
	}
	if err != nil {
		return 0, err
	}
	return cooldown, nil
}
