package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mangoml/trackoor/pkg/reconciler"
	"github.com/mangoml/trackoor/pkg/runstore"
)

// --- Admin handlers ---

type linkRunRequest struct {
	ExternalRunID string  `json:"external_run_id"`
	TrackerURL    *string `json:"tracker_url,omitempty"`
	DisplayName   *string `json:"display_name,omitempty"`
}

// handleLinkRun rebinds a run to a different tracker identity. This is
// the correction path for mismatches; ordinary reconciliation never
// replaces an established external id.
func (s *server) handleLinkRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	var req linkRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.ExternalRunID == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"external_run_id is required"})

		return
	}

	if err := s.store.OverrideExternalRunID(
		r.Context(), runID, req.ExternalRunID,
		req.TrackerURL, req.DisplayName,
	); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"run not found"})

			return
		}

		s.log.WithError(err).Error("Failed to link run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.log.WithError(err).Error("Failed to load run after link")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	s.log.WithField("run_id", runID).
		WithField("external_run_id", req.ExternalRunID).
		Info("Run linked to tracker record")

	writeJSON(w, http.StatusOK, toRunResponse(run))
}

// handleDeleteRun removes a run and its objectives.
func (s *server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	if err := s.store.DeleteRun(r.Context(), runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"run not found"})

			return
		}

		s.log.WithError(err).Error("Failed to delete run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	s.log.WithField("run_id", runID).Info("Run deleted")

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReconcile triggers one reconciliation pass and returns its
// summary. The pass runs on the request context, so a disconnecting
// client cancels it.
func (s *server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse{"reconciler not configured"})

		return
	}

	summary, err := s.engine.RunPass(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Reconciliation pass failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// handleSweep triggers one host liveness sweep and returns its summary.
func (s *server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse{"reconciler not configured"})

		return
	}

	summary, err := s.engine.SweepHosts(r.Context())
	if err != nil {
		if errors.Is(err, reconciler.ErrLivenessDisabled) {
			writeJSON(w, http.StatusServiceUnavailable,
				errorResponse{"host liveness not configured"})

			return
		}

		s.log.WithError(err).Error("Host sweep failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, summary)
}
