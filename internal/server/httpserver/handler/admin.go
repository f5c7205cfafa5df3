package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/core/service"
)

const maxAdminBody = 4 << 10

// handleIngest handles POST /admin/v1/ingest.
//
// Cycles run in the background; the response lists the anchors that
// were started. 409 is returned only when every requested anchor is busy.
// Cycles are refused until the index has been recovered.
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if h.trigger == nil {
		h.handleServiceError(w, r, domain.ErrNotReady.WithDetails("ingestion disabled"))
		return
	}
	if !h.ready() {
		h.handleServiceError(w, r, domain.ErrNotReady.WithDetails("index recovery in progress"))
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.handleServiceError(w, r, domain.ErrInvalidQuery.WithDetails("malformed request body"))
		return
	}
	mode := service.ModeUpdate
	if req.Mode != "" {
		m, err := service.ParseMode(req.Mode)
		if err != nil {
			h.handleServiceError(w, r, err)
			return
		}
		mode = m
	}

	tals := h.tals
	if req.TAL != "" {
		if !domain.ValidAnchor(req.TAL) {
			h.handleServiceError(w, r, domain.ErrUnknownAnchor.WithDetails(req.TAL))
			return
		}
		tals = []string{req.TAL}
	}

	resp := IngestResponse{Mode: mode, Triggered: []string{}}
	for _, tal := range tals {
		err := h.trigger.Trigger(tal, mode)
		switch {
		case err == nil:
			resp.Triggered = append(resp.Triggered, tal)
		case errors.Is(err, domain.ErrCycleInProgress):
			resp.Busy = append(resp.Busy, tal)
		default:
			h.handleServiceError(w, r, err)
			return
		}
	}
	if len(resp.Triggered) == 0 {
		h.handleServiceError(w, r, domain.ErrCycleInProgress.WithDetailsf("%v", resp.Busy))
		return
	}

	h.logger.Info("ingestion triggered",
		"request_id", getRequestID(r),
		"mode", mode,
		"tals", resp.Triggered,
		"busy", resp.Busy,
	)
	h.writeJSON(w, r, http.StatusAccepted, resp)
}

// handleStatus handles GET /admin/v1/status.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Ready:   h.ready(),
		Index:   h.query.Stats(),
		Anchors: []service.AnchorStatus{},
	}
	if h.status != nil {
		resp.Anchors = h.status.Status()
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

// handleCheckpoint handles POST /admin/v1/checkpoints. Saving before
// recovery would publish the empty index as the newest checkpoint.
func (h *Handler) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if h.checkpoint == nil {
		h.handleServiceError(w, r, domain.ErrNotReady.WithDetails("checkpoint store disabled"))
		return
	}
	if !h.ready() {
		h.handleServiceError(w, r, domain.ErrNotReady.WithDetails("index recovery in progress"))
		return
	}

	info, err := h.checkpoint.Checkpoint(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.logger.Info("checkpoint written",
		"request_id", getRequestID(r),
		"name", info.Name,
		"entries", info.Entries,
		"size", info.Size,
	)
	h.writeJSON(w, r, http.StatusCreated, info)
}
