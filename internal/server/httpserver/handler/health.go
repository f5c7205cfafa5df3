package handler

import (
	"net/http"
	"time"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
)

// handleHealth handles GET /health.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, HealthResponse{
		Status: "healthy",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady handles GET /ready. The service is ready once the index
// has been recovered from the checkpoint store (or started empty).
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if !h.ready() {
		h.handleServiceError(w, r, domain.ErrNotReady.WithDetails("index not recovered"))
		return
	}
	h.writeJSON(w, r, http.StatusOK, HealthResponse{
		Status: "ready",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}
