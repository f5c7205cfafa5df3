package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
	"github.com/yndnr/wayback-rpki/internal/core/service"
	"github.com/yndnr/wayback-rpki/internal/storage/snapshot"
	"github.com/yndnr/wayback-rpki/internal/telemetry/logger"
)

// Triggerer starts ingestion cycles on demand.
type Triggerer interface {
	Trigger(tal string, mode service.Mode) error
}

// StatusSource reports per-anchor ingestion state.
type StatusSource interface {
	Status() []service.AnchorStatus
}

// Checkpointer persists the index on demand.
type Checkpointer interface {
	Checkpoint(ctx context.Context) (*snapshot.Info, error)
}

// Config wires the services behind the handlers. Query is required;
// admin endpoints answer ErrNotReady when their service is nil.
type Config struct {
	Query      *service.QueryService
	Trigger    Triggerer
	Status     StatusSource
	Checkpoint Checkpointer
	// TALs are the anchors an admin ingest without a tal triggers.
	TALs []string
	// Ready reports whether the index has been recovered.
	Ready  func() bool
	Logger *slog.Logger
}

// Handler is the main HTTP handler that routes requests to appropriate handlers.
type Handler struct {
	query      *service.QueryService
	trigger    Triggerer
	status     StatusSource
	checkpoint Checkpointer
	tals       []string
	ready      func() bool
	logger     *slog.Logger
	mux        *http.ServeMux
}

// New creates a new Handler with the given services.
func New(cfg Config) *Handler {
	h := &Handler{
		query:      cfg.Query,
		trigger:    cfg.Trigger,
		status:     cfg.Status,
		checkpoint: cfg.Checkpoint,
		tals:       cfg.TALs,
		ready:      cfg.Ready,
		logger:     cfg.Logger,
		mux:        http.NewServeMux(),
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if len(h.tals) == 0 {
		h.tals = domain.KnownAnchors
	}
	if h.ready == nil {
		h.ready = func() bool { return true }
	}

	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Routes lists the method and path of every endpoint, for the router.
var Routes = []string{
	"GET /health",
	"GET /ready",
	"GET /search",
	"GET /validate",
	"POST /admin/v1/ingest",
	"GET /admin/v1/status",
	"POST /admin/v1/checkpoints",
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /ready", h.handleReady)

	h.mux.HandleFunc("GET /search", h.handleSearch)
	h.mux.HandleFunc("GET /validate", h.handleValidate)

	h.mux.HandleFunc("POST /admin/v1/ingest", h.handleIngest)
	h.mux.HandleFunc("GET /admin/v1/status", h.handleStatus)
	h.mux.HandleFunc("POST /admin/v1/checkpoints", h.handleCheckpoint)
}

// writeJSON writes a JSON response with standard envelope format.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	requestID := getRequestID(r)
	response := NewResponse(requestID, data)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError writes an error response with standard envelope format.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	WriteError(w, getRequestID(r), status, code, message, details)
}

// WriteError writes an error envelope. Middlewares use it directly.
func WriteError(w http.ResponseWriter, requestID string, status int, code, message string, details any) {
	response := NewErrorResponse(requestID, code, message, details)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", code)
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

// getRequestID extracts request ID from context or header.
func getRequestID(r *http.Request) string {
	if reqID := logger.RequestIDFromContext(r.Context()); reqID != "" {
		return reqID
	}
	return r.Header.Get("X-Request-ID")
}

// handleServiceError converts service errors to HTTP responses.
func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.DomainError
	if errors.As(err, &de) {
		status := ErrorCodeToHTTPStatus(de.Code)
		if status >= http.StatusInternalServerError {
			h.logger.Error("request failed",
				"request_id", getRequestID(r),
				"path", r.URL.Path,
				"error", err,
			)
		}
		var details any
		if de.Details != "" {
			details = de.Details
		}
		h.writeError(w, r, status, de.Code, de.Message, details)
		return
	}

	h.logger.Error("internal error",
		"request_id", getRequestID(r),
		"path", r.URL.Path,
		"error", err,
	)
	h.writeError(w, r, http.StatusInternalServerError, domain.ErrInternal.Code, domain.ErrInternal.Message, nil)
}

// ErrorCodeToHTTPStatus maps error codes to HTTP status codes. The
// four digits of a WR code start with the HTTP status they map to.
func ErrorCodeToHTTPStatus(code string) int {
	switch {
	case strings.HasSuffix(code, "-4000"):
		return http.StatusBadRequest
	case strings.HasSuffix(code, "-4010"):
		return http.StatusUnauthorized
	case strings.HasSuffix(code, "-4030"):
		return http.StatusForbidden
	case strings.HasSuffix(code, "-4040"):
		return http.StatusNotFound
	case strings.HasSuffix(code, "-4090"):
		return http.StatusConflict
	case strings.HasSuffix(code, "-4220"), strings.HasSuffix(code, "-4221"), strings.HasSuffix(code, "-4260"):
		return http.StatusUnprocessableEntity
	case strings.HasSuffix(code, "-4290"):
		return http.StatusTooManyRequests
	case strings.HasSuffix(code, "-5020"):
		return http.StatusBadGateway
	case strings.HasSuffix(code, "-5030"):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
