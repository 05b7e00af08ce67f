// Package errors provides the error taxonomy shared by every pipeline stage.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Malformed input. Fail fast, never retried, never consumes a network attempt.
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	// Not enough comps/fundamentals. Surfaced as INSUFFICIENT_DATA, not thrown.
	ErrCodeDataUnavailable ErrorCode = "DATA_UNAVAILABLE"
	// Network/API failure. Retried, then served from cache or degraded.
	ErrCodeExternalService ErrorCode = "EXTERNAL_SERVICE_ERROR"
	// Malformed outbound webhook payload. Rejected before send, never retried.
	ErrCodeSchema ErrorCode = "SCHEMA_ERROR"
	// Store write failure. Records flagged for reprocessing, run continues.
	ErrCodePersistence ErrorCode = "PERSISTENCE_ERROR"

	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	ErrCodeRunAborted  ErrorCode = "RUN_ABORTED"
	ErrCodeInternal    ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	RunID     string                 `json:"runId,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("StandardError[%s] run=%s: %s: %s", e.Code, e.RunID, e.Message, e.Details)
	}
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error { return e.cause }

// Is matches any StandardError carrying the same code.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == ""
}

// Sentinels for errors.Is comparisons by code.
var (
	ErrValidation      = &StandardError{Code: ErrCodeValidation}
	ErrDataUnavailable = &StandardError{Code: ErrCodeDataUnavailable}
	ErrExternalService = &StandardError{Code: ErrCodeExternalService}
	ErrSchema          = &StandardError{Code: ErrCodeSchema}
	ErrPersistence     = &StandardError{Code: ErrCodePersistence}
	ErrCircuitOpen     = &StandardError{Code: ErrCodeCircuitOpen}
	ErrRunAborted      = &StandardError{Code: ErrCodeRunAborted}
)

// ==========================
// 2. Error Constructors
// ==========================

func NewValidationError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeValidation,
		Message:   "Invalid input",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewDataUnavailableError(resource, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeDataUnavailable,
		Message:   fmt.Sprintf("No usable %s data", resource),
		Details:   details,
		Retryable: false,
		Metadata:  map[string]interface{}{"resource": resource},
		Timestamp: time.Now().UTC(),
	}
}

func NewExternalServiceError(service string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeExternalService,
		Message:   fmt.Sprintf("External service '%s' error", service),
		Details:   errString(err),
		Retryable: true,
		Metadata:  map[string]interface{}{"service": service},
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewCircuitOpenError(name string) *StandardError {
	return &StandardError{
		Code:      ErrCodeCircuitOpen,
		Message:   fmt.Sprintf("Circuit '%s' is open", name),
		Retryable: true,
		Metadata:  map[string]interface{}{"breaker": name},
		Timestamp: time.Now().UTC(),
	}
}

func NewSchemaError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeSchema,
		Message:   "Payload does not match schema",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewPersistenceError(table string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodePersistence,
		Message:   fmt.Sprintf("Write to '%s' failed", table),
		Details:   errString(err),
		Retryable: true,
		Metadata:  map[string]interface{}{"table": table, "reprocess": true},
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewRunAbortedError(runID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeRunAborted,
		Message:   "Run aborted by operator",
		RunID:     runID,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewInternalError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeInternal,
		Message:   "Unexpected error",
		Details:   errString(err),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// ==========================
// 3. Helpers
// ==========================

// AsStandard returns err as a StandardError, wrapping unknown errors as internal.
func AsStandard(err error) *StandardError {
	if err == nil {
		return nil
	}
	var se *StandardError
	if stderrors.As(err, &se) {
		return se
	}
	return NewInternalError(err)
}

func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return AsStandard(err).Code
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return AsStandard(err).Retryable
}

// WithRunID returns a copy of err tagged with the run id.
func WithRunID(err error, runID string) error {
	if err == nil {
		return nil
	}
	se := *AsStandard(err)
	se.RunID = runID
	return &se
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
