package api

import (
	"net/http"

	"github.com/nightwatch-sec/nightwatch/internal/service"
	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

// =============================================================================
// ALERT RULE ENDPOINTS
// =============================================================================

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	filter := types.RuleFilter{}

	if enabled := r.URL.Query().Get("enabled"); enabled != "" {
		e := enabled == "true"
		filter.Enabled = &e
	}
	if severity := r.URL.Query().Get("severity"); severity != "" {
		sev := types.AlertSeverity(severity)
		if !sev.Valid() {
			s.writeError(w, http.StatusBadRequest, "unknown severity: "+severity)
			return
		}
		filter.Severity = &sev
	}
	filter.Limit, filter.Offset = parsePagination(r)

	rules, total, err := s.svc.Store().ListRules(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"rules":  rules,
		"count":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule types.AlertRule
	if err := s.readJSON(r, &rule); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.svc.CreateRule(r.Context(), &rule); err != nil {
		s.writeStoreError(w, err)
		return
	}

	created, err := s.svc.Store().GetRule(r.Context(), rule.ID)
	if err != nil || created == nil {
		s.writeJSON(w, http.StatusCreated, rule)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.svc.Store().GetRule(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if rule == nil {
		s.writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	existing, err := s.svc.Store().GetRule(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if existing == nil {
		s.writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	// Decode the update over the current state so omitted fields keep
	// their values.
	updated := *existing
	if err := s.readJSON(r, &updated); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	updated.ID = id
	updated.CreatedAt = existing.CreatedAt

	if err := s.svc.Store().UpdateRule(r.Context(), &updated); err != nil {
		s.writeStoreError(w, err)
		return
	}

	fresh, err := s.svc.Store().GetRule(r.Context(), id)
	if err != nil || fresh == nil {
		s.writeJSON(w, http.StatusOK, updated)
		return
	}
	s.writeJSON(w, http.StatusOK, fresh)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Store().DeleteRule(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type testRuleRequest struct {
	EventIDs []int64 `json:"event_ids,omitempty"`
	Limit    int     `json:"limit,omitempty"`
	TestTime *string `json:"test_time,omitempty"`
}

func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	var req testRuleRequest
	if r.ContentLength > 0 {
		if err := s.readJSON(r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	rule, results, err := s.svc.TestRule(r.Context(), r.PathValue("id"), service.TestRuleParams{
		EventIDs: req.EventIDs,
		Limit:    req.Limit,
		TestTime: req.TestTime,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	matched := 0
	for _, result := range results {
		if result.Matched {
			matched++
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"rule_id":       rule.ID,
		"rule_name":     rule.Name,
		"events_tested": len(results),
		"events_matched": matched,
		"results":       results,
	})
}
