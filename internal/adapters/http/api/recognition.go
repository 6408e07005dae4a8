package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/okian/rollcall/internal/domain/model"
)

// RecognitionHandler exposes the recognition loop controls.
type RecognitionHandler struct {
	deps RecognitionController
}

// NewRecognitionHandler creates a new recognition handler.
func NewRecognitionHandler(deps RecognitionController) *RecognitionHandler {
	return &RecognitionHandler{deps: deps}
}

type toggleResponse struct {
	Running bool `json:"running"`
	Changed bool `json:"changed"`
}

// HandleStart handles POST /api/recognition/start.
func (h *RecognitionHandler) HandleStart(w http.ResponseWriter, _ *http.Request) {
	changed, err := h.deps.StartRecognition()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, toggleResponse{Running: h.deps.RecognitionStatus().Running, Changed: changed})
}

// HandleStop handles POST /api/recognition/stop.
func (h *RecognitionHandler) HandleStop(w http.ResponseWriter, _ *http.Request) {
	changed := h.deps.StopRecognition()
	writeJSON(w, http.StatusOK, toggleResponse{Running: h.deps.RecognitionStatus().Running, Changed: changed})
}

// HandleStatus handles GET /api/recognition/status.
func (h *RecognitionHandler) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.RecognitionStatus())
}

// HandleCycle handles POST /api/recognition/cycle.
func (h *RecognitionHandler) HandleCycle(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.RunCycle(r.Context()))
}

// HandleRelease handles DELETE /api/recognition/cooldown/{identity}.
func (h *RecognitionHandler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	id := model.Identity(chi.URLParam(r, "identity"))
	if !h.deps.ReleaseCooldown(r.Context(), id) {
		writeError(w, http.StatusNotFound, "not_found", errors.New("no active cooldown for "+string(id)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": true})
}
