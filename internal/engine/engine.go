// Package engine evaluates alert rules against finalized events.
//
// # Design
//
// The engine is a pure evaluator: it owns no state and touches no storage.
// Given a rule set, an event, the event's detections, and a clock, it
// returns the rules that fire, each tagged with a deterministic dedup key.
// Cooldown enforcement is the dedup gate's job, not the engine's.
//
// A rule fires when every configured condition matches; conditions absent
// from the rule are vacuously satisfied, so a rule with no conditions
// fires unconditionally. A failure while evaluating one rule never aborts
// the batch: the rule is reported as skipped and evaluation continues.
package engine

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

// TriggeredRule is a rule that matched an event, with the dedup key
// derived for it.
type TriggeredRule struct {
	Rule              types.AlertRule `json:"rule"`
	Severity          types.AlertSeverity `json:"severity"`
	MatchedConditions []string        `json:"matched_conditions"`
	DedupKey          string          `json:"dedup_key"`
}

// SkippedRule records a rule that was not evaluated to completion.
type SkippedRule struct {
	Rule   types.AlertRule `json:"rule"`
	Reason string          `json:"reason"`
}

// EvaluationResult is the outcome of evaluating a rule set against one event.
type EvaluationResult struct {
	Triggered []TriggeredRule `json:"triggered"`
	Skipped   []SkippedRule   `json:"skipped"`
}

// RuleTestResult reports, for one historical event, whether a rule would
// have matched and which conditions matched. Used by the rule-testing API;
// it never touches the dedup gate.
type RuleTestResult struct {
	EventID           int64    `json:"event_id"`
	Matched           bool     `json:"matched"`
	MatchedConditions []string `json:"matched_conditions,omitempty"`
}

// Engine evaluates alert rules. Safe for concurrent use.
type Engine struct {
	clock  types.Clock
	logger *slog.Logger
}

// New creates a rule engine with the given clock.
func New(clock types.Clock, logger *slog.Logger) *Engine {
	return &Engine{
		clock:  clock,
		logger: logger.With("component", "rule_engine"),
	}
}

// Evaluate runs every rule against the event and returns the triggered
// subset sorted by severity descending, ties broken by rule name ascending,
// so downstream consumers observe a deterministic priority.
func (e *Engine) Evaluate(rules []types.AlertRule, event *types.Event, detections []types.Detection) EvaluationResult {
	now := e.clock.NowUTC()
	var result EvaluationResult

	for _, rule := range rules {
		if !rule.Enabled {
			result.Skipped = append(result.Skipped, SkippedRule{Rule: rule, Reason: "disabled"})
			continue
		}

		matched, conditions, err := e.evaluateRule(rule, event, detections, now)
		if err != nil {
			e.logger.Warn("rule evaluation failed",
				"rule_id", rule.ID,
				"rule_name", rule.Name,
				"event_id", event.ID,
				"error", err,
			)
			result.Skipped = append(result.Skipped, SkippedRule{
				Rule:   rule,
				Reason: "evaluation_error:" + err.Error(),
			})
			continue
		}
		if !matched {
			continue
		}

		dedupKey, err := e.ExpandDedupKey(rule, event, detections)
		if err != nil {
			e.logger.Warn("dedup key expansion failed",
				"rule_id", rule.ID,
				"rule_name", rule.Name,
				"error", err,
			)
			result.Skipped = append(result.Skipped, SkippedRule{
				Rule:   rule,
				Reason: "evaluation_error:" + err.Error(),
			})
			continue
		}

		result.Triggered = append(result.Triggered, TriggeredRule{
			Rule:              rule,
			Severity:          rule.Severity,
			MatchedConditions: conditions,
			DedupKey:          dedupKey,
		})
	}

	sort.SliceStable(result.Triggered, func(i, j int) bool {
		si, sj := result.Triggered[i].Severity.Level(), result.Triggered[j].Severity.Level()
		if si != sj {
			return si > sj
		}
		return result.Triggered[i].Rule.Name < result.Triggered[j].Rule.Name
	})

	return result
}

// TestRule evaluates one rule against a set of historical events without
// touching the dedup gate. Detections are supplied per event id.
func (e *Engine) TestRule(rule types.AlertRule, events []types.Event, detections map[int64][]types.Detection, now *string) []RuleTestResult {
	results := make([]RuleTestResult, 0, len(events))
	evalTime := e.clock.NowUTC()
	if now != nil {
		if t, err := parseTestTime(*now); err == nil {
			evalTime = t
		} else {
			e.logger.Warn("unparseable test_time, using current time", "test_time", *now, "error", err)
		}
	}

	for i := range events {
		event := &events[i]
		matched, conditions, err := e.evaluateRule(rule, event, detections[event.ID], evalTime)
		if err != nil {
			results = append(results, RuleTestResult{EventID: event.ID, Matched: false})
			continue
		}
		results = append(results, RuleTestResult{
			EventID:           event.ID,
			Matched:           matched,
			MatchedConditions: conditions,
		})
	}
	return results
}

// evaluateRule checks every configured condition with AND semantics.
// Returns the matched-condition descriptions for observability.
func (e *Engine) evaluateRule(rule types.AlertRule, event *types.Event, detections []types.Detection, now time.Time) (bool, []string, error) {
	var matched []string

	if rule.RiskThreshold != nil {
		// A null risk score never satisfies the threshold, even at 0.
		if event.RiskScore == nil || *event.RiskScore < *rule.RiskThreshold {
			return false, nil, nil
		}
		matched = append(matched, fmt.Sprintf("risk_score >= %d", *rule.RiskThreshold))
	}

	if len(rule.CameraIDs) > 0 {
		if !containsString(rule.CameraIDs, event.CameraID) {
			return false, nil, nil
		}
		matched = append(matched, fmt.Sprintf("camera_id = %s", event.CameraID))
	}

	if len(rule.ObjectTypes) > 0 {
		objectType, ok := anyObjectTypeMatch(rule.ObjectTypes, detections)
		if !ok {
			return false, nil, nil
		}
		matched = append(matched, fmt.Sprintf("object_type = %s", objectType))
	}

	if rule.MinConfidence != nil {
		if !anyConfidenceAtLeast(detections, *rule.MinConfidence) {
			return false, nil, nil
		}
		matched = append(matched, fmt.Sprintf("confidence >= %.2f", *rule.MinConfidence))
	}

	if len(rule.ZoneIDs) > 0 {
		// Zone membership is not yet part of the detection model;
		// the condition is diagnostic-only and never blocks firing.
		e.logger.Debug("zone_ids condition present but not evaluated",
			"rule_id", rule.ID,
			"zone_ids", rule.ZoneIDs,
		)
	}

	if rule.Schedule != nil {
		ok, desc := e.scheduleMatches(rule, *rule.Schedule, now)
		if !ok {
			return false, nil, nil
		}
		if desc != "" {
			matched = append(matched, desc)
		}
	}

	return true, matched, nil
}

// anyObjectTypeMatch reports whether any detection's class matches any of
// the wanted types, compared case-insensitively. Empty detections never match.
func anyObjectTypeMatch(wanted []string, detections []types.Detection) (string, bool) {
	for _, d := range detections {
		if d.ObjectType == "" {
			continue
		}
		for _, w := range wanted {
			if strings.EqualFold(d.ObjectType, w) {
				return d.ObjectType, true
			}
		}
	}
	return "", false
}

// anyConfidenceAtLeast reports whether any detection carries a confidence
// at or above the threshold. Empty detections never match.
func anyConfidenceAtLeast(detections []types.Detection, threshold float64) bool {
	for _, d := range detections {
		if d.Confidence != nil && *d.Confidence >= threshold {
			return true
		}
	}
	return false
}

func containsString(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

// =============================================================================
// DEDUP KEY EXPANSION
// =============================================================================

var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// ExpandDedupKey expands the rule's dedup key template. Expansion is
// deterministic: the same inputs always yield the same key.
//
// Unknown placeholders cause a fallback to the default template; a result
// that fails dedup-key validation is an error and the rule is skipped.
func (e *Engine) ExpandDedupKey(rule types.AlertRule, event *types.Event, detections []types.Detection) (string, error) {
	template := rule.DedupKeyTemplate
	if template == "" {
		template = types.DefaultDedupKeyTemplate
	}

	expanded, ok := e.expandTemplate(template, rule, event, detections)
	if !ok {
		e.logger.Warn("dedup key template has unknown placeholders, using default",
			"rule_id", rule.ID,
			"template", template,
		)
		expanded, _ = e.expandTemplate(types.DefaultDedupKeyTemplate, rule, event, detections)
	}

	key, err := types.ValidateDedupKey(expanded)
	if err != nil {
		return "", fmt.Errorf("expanded dedup key %q: %w", expanded, err)
	}
	return key, nil
}

func (e *Engine) expandTemplate(template string, rule types.AlertRule, event *types.Event, detections []types.Detection) (string, bool) {
	valid := true
	expanded := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		switch placeholderPattern.FindStringSubmatch(match)[1] {
		case "camera_id":
			return event.CameraID
		case "rule_id":
			return rule.ID
		case "object_type":
			return firstObjectType(detections)
		case "risk_level":
			if event.RiskLevel == "" {
				return "unknown"
			}
			return string(event.RiskLevel)
		default:
			valid = false
			return match
		}
	})
	return expanded, valid
}

// firstObjectType is the class of the first detection, or "unknown" when
// there are no classified detections.
func firstObjectType(detections []types.Detection) string {
	for _, d := range detections {
		if d.ObjectType != "" {
			return strings.ToLower(d.ObjectType)
		}
	}
	return "unknown"
}
