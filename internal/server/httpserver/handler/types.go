package handler

import (
	"time"

	"github.com/yndnr/wayback-rpki/internal/core/service"
	"github.com/yndnr/wayback-rpki/internal/storage/memory"
)

// Response is the standard API response envelope.
// All JSON responses use this format (except /metrics which uses Prometheus format).
type Response struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// NewResponse creates a success response.
func NewResponse(requestID string, data any) *Response {
	return &Response{
		Code:      "OK",
		Message:   "Success",
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(requestID, code, message string, details any) *Response {
	return &Response{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Details:   details,
	}
}

// HealthResponse is the body of GET /health and GET /ready.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// IngestRequest is the request body for POST /admin/v1/ingest. An empty
// TAL triggers every configured anchor; an empty Mode means update.
type IngestRequest struct {
	TAL  string `json:"tal,omitempty"`
	Mode string `json:"mode,omitempty"`
}

// IngestResponse is the response body for POST /admin/v1/ingest.
type IngestResponse struct {
	Mode      service.Mode `json:"mode"`
	Triggered []string     `json:"triggered"`
	// Busy lists anchors skipped because a cycle was already running.
	Busy []string `json:"busy,omitempty"`
}

// StatusResponse is the response body for GET /admin/v1/status.
type StatusResponse struct {
	Ready   bool                   `json:"ready"`
	Index   memory.Stats           `json:"index"`
	Anchors []service.AnchorStatus `json:"anchors"`
}
