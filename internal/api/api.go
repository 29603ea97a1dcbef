// Package api provides HTTP handlers for the backend.
//
// # Endpoints
//
// Alert rules:
//   - GET    /api/v1/alerts/rules - List rules (filters: enabled, severity)
//   - POST   /api/v1/alerts/rules - Create rule
//   - GET    /api/v1/alerts/rules/{id} - Get rule
//   - PUT    /api/v1/alerts/rules/{id} - Update rule
//   - DELETE /api/v1/alerts/rules/{id} - Delete rule
//   - POST   /api/v1/alerts/rules/{id}/test - Test rule against events
//
// Alerts:
//   - GET  /api/v1/alerts - List alerts with filters
//   - GET  /api/v1/alerts/{id} - Get alert
//   - POST /api/v1/alerts/{id}/acknowledge - Acknowledge alert
//   - POST /api/v1/alerts/{id}/dismiss - Dismiss alert
//   - GET  /api/v1/alerts/dedup/stats - Deduplication statistics
//
// Cameras:
//   - GET    /api/v1/cameras - List cameras
//   - POST   /api/v1/cameras - Register camera
//   - GET    /api/v1/cameras/{id} - Get camera
//   - DELETE /api/v1/cameras/{id} - Delete camera (cascades)
//
// Ingest:
//   - POST /api/v1/detections - Ingest detections (buffered)
//   - POST /api/v1/events - Finalize an event and run the pipeline
//
// System:
//   - GET /api/v1/system/health - Health check (DB, Redis)
//   - GET /api/v1/system/telemetry - Host and service telemetry
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nightwatch-sec/nightwatch/internal/cache"
	"github.com/nightwatch-sec/nightwatch/internal/service"
	"github.com/nightwatch-sec/nightwatch/internal/telemetry"
	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

// Server is the HTTP API server.
type Server struct {
	svc       *service.Service
	telemetry *telemetry.Collector
	cache     *cache.Cache // may be nil when Redis is not configured
	auth      AuthConfig
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewServer creates a new API server.
func NewServer(svc *service.Service, collector *telemetry.Collector, responseCache *cache.Cache, auth AuthConfig, logger *slog.Logger) *Server {
	s := &Server{
		svc:       svc,
		telemetry: collector,
		cache:     responseCache,
		auth:      auth,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	mutating := s.RequireAPIKey

	// Health and telemetry
	s.mux.HandleFunc("GET /api/v1/system/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/system/telemetry", s.handleTelemetry)

	// Alert rules
	s.mux.HandleFunc("GET /api/v1/alerts/rules", s.handleListRules)
	s.mux.HandleFunc("POST /api/v1/alerts/rules", mutating(s.handleCreateRule))
	s.mux.HandleFunc("GET /api/v1/alerts/rules/{id}", s.handleGetRule)
	s.mux.HandleFunc("PUT /api/v1/alerts/rules/{id}", mutating(s.handleUpdateRule))
	s.mux.HandleFunc("DELETE /api/v1/alerts/rules/{id}", mutating(s.handleDeleteRule))
	s.mux.HandleFunc("POST /api/v1/alerts/rules/{id}/test", s.handleTestRule)

	// Alerts
	s.mux.HandleFunc("GET /api/v1/alerts", s.handleListAlerts)
	s.mux.HandleFunc("GET /api/v1/alerts/dedup/stats", s.handleDedupStats)
	s.mux.HandleFunc("GET /api/v1/alerts/{id}", s.handleGetAlert)
	s.mux.HandleFunc("POST /api/v1/alerts/{id}/acknowledge", mutating(s.handleAcknowledgeAlert))
	s.mux.HandleFunc("POST /api/v1/alerts/{id}/dismiss", mutating(s.handleDismissAlert))

	// Cameras
	s.mux.HandleFunc("GET /api/v1/cameras", s.handleListCameras)
	s.mux.HandleFunc("POST /api/v1/cameras", mutating(s.handleCreateCamera))
	s.mux.HandleFunc("GET /api/v1/cameras/{id}", s.handleGetCamera)
	s.mux.HandleFunc("DELETE /api/v1/cameras/{id}", mutating(s.handleDeleteCamera))

	// Ingest
	s.mux.HandleFunc("POST /api/v1/detections", mutating(s.handleIngestDetections))
	s.mux.HandleFunc("POST /api/v1/events", mutating(s.handleFinalizeEvent))
}

// =============================================================================
// HEALTH / TELEMETRY
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "ok"
	checks := map[string]string{}

	if err := s.svc.Store().Ping(ctx); err != nil {
		status = "degraded"
		checks["database"] = "error: " + err.Error()
	} else {
		checks["database"] = "ok"
	}

	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			status = "degraded"
			checks["redis"] = "error: " + err.Error()
		} else {
			checks["redis"] = "ok"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.telemetry.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("telemetry collection failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "telemetry collection failed")
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeStoreError maps the error taxonomy to HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	var validationErr *types.ValidationError
	var conflictErr *types.ConflictError
	var transitionErr *types.InvalidTransitionError

	switch {
	case errors.Is(err, types.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &validationErr):
		s.writeError(w, http.StatusBadRequest, validationErr.Error())
	case errors.As(err, &conflictErr):
		s.writeError(w, http.StatusConflict, conflictErr.Error())
	case errors.As(err, &transitionErr):
		s.writeError(w, http.StatusConflict, transitionErr.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parsePagination(r *http.Request) (limit, offset int) {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}
	return limit, offset
}
