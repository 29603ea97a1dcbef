package api

import (
	"net/http"

	"github.com/nightwatch-sec/nightwatch/internal/config"
	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

// =============================================================================
// CAMERA ENDPOINTS
// =============================================================================

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.cache != nil {
		var cached []types.Camera
		if hit, err := s.cache.GetJSON(ctx, "cameras", &cached); err == nil && hit {
			s.writeJSON(w, http.StatusOK, map[string]any{
				"cameras": cached,
				"count":   len(cached),
			})
			return
		}
	}

	cameras, err := s.svc.Store().ListCameras(ctx)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	if s.cache != nil {
		_ = s.cache.SetJSON(ctx, "cameras", cameras, config.CacheTTLCameraList)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"cameras": cameras,
		"count":   len(cameras),
	})
}

func (s *Server) handleCreateCamera(w http.ResponseWriter, r *http.Request) {
	var camera types.Camera
	if err := s.readJSON(r, &camera); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if camera.ID == "" || camera.Name == "" {
		s.writeError(w, http.StatusBadRequest, "id and name are required")
		return
	}

	if err := s.svc.Store().CreateCamera(r.Context(), &camera); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.invalidateCameraCache(r)
	s.writeJSON(w, http.StatusCreated, camera)
}

func (s *Server) handleGetCamera(w http.ResponseWriter, r *http.Request) {
	camera, err := s.svc.Store().GetCamera(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if camera == nil {
		s.writeError(w, http.StatusNotFound, "camera not found")
		return
	}
	s.writeJSON(w, http.StatusOK, camera)
}

func (s *Server) handleDeleteCamera(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Store().DeleteCamera(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.invalidateCameraCache(r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) invalidateCameraCache(r *http.Request) {
	if s.cache != nil {
		_ = s.cache.Delete(r.Context(), "cameras")
	}
}

// =============================================================================
// INGEST ENDPOINTS
// =============================================================================

type ingestDetectionsRequest struct {
	Detections []types.Detection `json:"detections"`
}

func (s *Server) handleIngestDetections(w http.ResponseWriter, r *http.Request) {
	var req ingestDetectionsRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Detections) == 0 {
		s.writeError(w, http.StatusBadRequest, "detections are required")
		return
	}

	accepted, err := s.svc.IngestDetections(r.Context(), req.Detections)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": accepted,
		"rejected": len(req.Detections) - accepted,
	})
}

func (s *Server) handleFinalizeEvent(w http.ResponseWriter, r *http.Request) {
	var event types.Event
	if err := s.readJSON(r, &event); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if event.CameraID == "" {
		s.writeError(w, http.StatusBadRequest, "camera_id is required")
		return
	}

	summary, err := s.svc.FinalizeEvent(r.Context(), &event)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"event":   event,
		"summary": summary,
	})
}
