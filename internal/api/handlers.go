package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/automation-engine/internal/automation"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]string{"status": status})
}

// handleIngestEvent accepts one trigger event and matches it against
// active automations. Unknown event types are accepted and dropped.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var event automation.TriggerEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		respondError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	if event.SubscriberID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "subscriber_id is required")
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	if err := s.engine.IngestEvent(r.Context(), event); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to process event")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleGetEnrollment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid enrollment id")
		return
	}

	e, err := s.engine.Enrollment(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load enrollment")
		return
	}
	if e == nil {
		respondError(w, http.StatusNotFound, "enrollment not found")
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (s *Server) handleCancelEnrollment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid enrollment id")
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "canceled via API"
	}

	canceled, err := s.engine.CancelEnrollment(r.Context(), id, body.Reason)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to cancel enrollment")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"canceled": canceled})
}

func (s *Server) handleUnenrollSubscriber(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid subscriber id")
		return
	}

	n, err := s.engine.UnenrollSubscriber(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to unenroll subscriber")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"canceled": n})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
