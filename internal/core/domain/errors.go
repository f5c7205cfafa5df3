package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain error with a structured error code.
// Codes follow the format WR-<AREA>-<NNNN>, where the last four digits
// start with the closest HTTP status.
type DomainError struct {
	Code    string // Error code (e.g., "WR-IDX-4090")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support for error comparison.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithDetailsf is WithDetails with fmt.Sprintf formatting.
func (e *DomainError) WithDetailsf(format string, args ...any) *DomainError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ============================================================================
// Index Errors (IDX)
// ============================================================================

var (
	// ErrOutOfOrder indicates a date was applied at or before the last
	// date already recorded. It is fatal to the running cycle.
	ErrOutOfOrder = NewDomainError("WR-IDX-4090", "date applied out of order")

	// ErrInvalidKey indicates a malformed authorization key.
	ErrInvalidKey = NewDomainError("WR-IDX-4000", "invalid roa key")

	// ErrBatchClosed indicates use of a committed or discarded batch.
	ErrBatchClosed = NewDomainError("WR-IDX-5000", "batch already closed")
)

// ============================================================================
// Source Errors (SRC)
// ============================================================================

var (
	// ErrFetchFailed indicates a transport or listing failure. It is
	// distinct from a successful fetch of an empty dump.
	ErrFetchFailed = NewDomainError("WR-SRC-5020", "fetch failed")

	// ErrMalformedFile indicates a dump that cannot be parsed at all.
	ErrMalformedFile = NewDomainError("WR-SRC-4220", "malformed dump file")

	// ErrMalformedRow indicates a single unparseable record.
	ErrMalformedRow = NewDomainError("WR-SRC-4221", "malformed record")
)

// ============================================================================
// Checkpoint Errors (CKP)
// ============================================================================

var (
	// ErrCheckpointNotFound indicates no checkpoint exists at the location.
	ErrCheckpointNotFound = NewDomainError("WR-CKP-4040", "checkpoint not found")

	// ErrCheckpointCorrupt indicates a checkpoint failed integrity checks.
	ErrCheckpointCorrupt = NewDomainError("WR-CKP-4220", "checkpoint corrupt")

	// ErrCheckpointVersion indicates an unsupported checkpoint format version.
	ErrCheckpointVersion = NewDomainError("WR-CKP-4260", "unsupported checkpoint version")
)

// ============================================================================
// Ingestion Errors (ING)
// ============================================================================

var (
	// ErrCycleInProgress indicates a cycle is already running for the anchor.
	ErrCycleInProgress = NewDomainError("WR-ING-4090", "ingestion cycle in progress")

	// ErrUnknownAnchor indicates a trust-anchor name that is not configured.
	ErrUnknownAnchor = NewDomainError("WR-ING-4000", "unknown trust anchor")
)

// ============================================================================
// Query and System Errors
// ============================================================================

var (
	// ErrInvalidQuery indicates bad lookup parameters.
	ErrInvalidQuery = NewDomainError("WR-QRY-4000", "invalid query")

	// ErrNotReady indicates the index has not been restored yet.
	ErrNotReady = NewDomainError("WR-SYS-5030", "service not ready")

	// ErrUnauthorized indicates a missing or wrong admin token.
	ErrUnauthorized = NewDomainError("WR-SYS-4010", "unauthorized")

	// ErrForbidden rejects a client outside the admin allow list.
	ErrForbidden = NewDomainError("WR-SYS-4030", "forbidden")

	// ErrRateLimited indicates too many requests.
	ErrRateLimited = NewDomainError("WR-SYS-4290", "too many requests")

	// ErrInternal indicates an unexpected internal failure.
	ErrInternal = NewDomainError("WR-SYS-5000", "internal server error")
)
