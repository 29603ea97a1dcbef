package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

// =============================================================================
// ALERT ENDPOINTS
// =============================================================================

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter := types.AlertFilter{}

	if status := r.URL.Query().Get("status"); status != "" {
		st := types.AlertStatus(status)
		filter.Status = &st
	}
	if severity := r.URL.Query().Get("severity"); severity != "" {
		sev := types.AlertSeverity(severity)
		filter.Severity = &sev
	}
	if eventID := r.URL.Query().Get("event_id"); eventID != "" {
		id, err := strconv.ParseInt(eventID, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid event_id")
			return
		}
		filter.EventID = &id
	}
	if ruleID := r.URL.Query().Get("rule_id"); ruleID != "" {
		filter.RuleID = &ruleID
	}
	if dedupKey := r.URL.Query().Get("dedup_key"); dedupKey != "" {
		filter.DedupKey = &dedupKey
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		filter.Since = &t
	}
	filter.Limit, filter.Offset = parsePagination(r)

	alerts, err := s.svc.Store().ListAlerts(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.svc.Store().GetAlert(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if alert == nil {
		s.writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.svc.Store().MarkAcknowledged(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleDismissAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.svc.Store().MarkDismissed(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleDedupStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if hours := r.URL.Query().Get("hours"); hours != "" {
		if h, err := strconv.Atoi(hours); err == nil && h > 0 {
			window = time.Duration(h) * time.Hour
		}
	}

	stats, err := s.svc.Store().GetDuplicateStats(r.Context(), window)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
