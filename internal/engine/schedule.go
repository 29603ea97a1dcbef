package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

// scheduleMatches reports whether now falls inside the schedule's window.
//
// The schedule is fail-open: an unknown timezone falls back to UTC and a
// malformed time string makes the schedule match, both with a warning, so
// a misconfigured rule degrades to "always on" rather than going silent.
func (e *Engine) scheduleMatches(rule types.AlertRule, sched types.Schedule, now time.Time) (bool, string) {
	loc := time.UTC
	if sched.Timezone != "" {
		parsed, err := time.LoadLocation(sched.Timezone)
		if err != nil {
			e.logger.Warn("unknown schedule timezone, falling back to UTC",
				"rule_id", rule.ID,
				"timezone", sched.Timezone,
			)
		} else {
			loc = parsed
		}
	}
	local := now.In(loc)

	if len(sched.Days) > 0 {
		if !containsString(sched.Days, strings.ToLower(local.Weekday().String())) {
			return false, ""
		}
	}

	if sched.StartTime == "" && sched.EndTime == "" {
		return true, scheduleDescription(sched)
	}

	start, errStart := parseMinuteOfDay(sched.StartTime)
	end, errEnd := parseMinuteOfDay(sched.EndTime)
	if errStart != nil || errEnd != nil {
		e.logger.Warn("unparseable schedule time, treating schedule as matching",
			"rule_id", rule.ID,
			"start_time", sched.StartTime,
			"end_time", sched.EndTime,
		)
		return true, scheduleDescription(sched)
	}

	minute := local.Hour()*60 + local.Minute()
	if start <= end {
		if minute < start || minute > end {
			return false, ""
		}
	} else {
		// Window wraps past midnight: 22:00-06:00 covers 22:00-23:59
		// and 00:00-06:00.
		if minute < start && minute > end {
			return false, ""
		}
	}

	return true, scheduleDescription(sched)
}

// parseMinuteOfDay parses an "HH:MM" string into minutes since midnight.
func parseMinuteOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func scheduleDescription(sched types.Schedule) string {
	if sched.StartTime != "" || sched.EndTime != "" {
		return fmt.Sprintf("schedule %s-%s", sched.StartTime, sched.EndTime)
	}
	if len(sched.Days) > 0 {
		return "schedule " + strings.Join(sched.Days, ",")
	}
	return "schedule"
}

// parseTestTime accepts RFC3339 timestamps for the rule-test API.
func parseTestTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing test time %q: %w", s, err)
	}
	return t.UTC(), nil
}
