// Package errors defines unified error types for expression edit operations.
// Failures from the model backend, the cache tiers, and request validation
// are all mapped to these standard error types.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// EditError represents a standardized failure of an expression edit.
// It contains all necessary information for error handling, logging, and
// client response.
type EditError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Model      string `json:"model,omitempty"`
	Retryable  bool   `json:"-"`
	cause      error
}

// Error implements the error interface.
func (e *EditError) Error() string {
	return fmt.Sprintf("[%s] %s (model=%s, code=%d)",
		e.Type, e.Message, e.Model, e.StatusCode)
}

// Unwrap exposes the underlying cause for errors.Is and errors.As.
func (e *EditError) Unwrap() error {
	return e.cause
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *EditError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Common error types as constants for consistency.
const (
	TypeInvalidParameter    = "invalid_parameter"
	TypeUpstreamUnavailable = "upstream_unavailable"
	TypeModelFailure        = "model_failure"
	TypeModelTimeout        = "model_timeout"
	TypeStorageFailure      = "storage_failure"
	TypeCancelled           = "cancelled"
)

// StatusClientClosedRequest mirrors the nginx convention for requests
// abandoned by the client before completion.
const StatusClientClosedRequest = 499

// NewInvalidParameter creates a validation error (400).
func NewInvalidParameter(message string, cause error) *EditError {
	return &EditError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeInvalidParameter,
		Retryable:  false,
		cause:      cause,
	}
}

// NewUpstreamUnavailable creates a transport-level error (503) for failures
// to reach the model backend at all.
func NewUpstreamUnavailable(model, message string, cause error) *EditError {
	return &EditError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeUpstreamUnavailable,
		Model:      model,
		Retryable:  true,
		cause:      cause,
	}
}

// NewModelFailure creates an error (502) for predictions the backend
// accepted but reported as failed or canceled.
func NewModelFailure(model, message string, cause error) *EditError {
	return &EditError{
		StatusCode: http.StatusBadGateway,
		Message:    message,
		Type:       TypeModelFailure,
		Model:      model,
		Retryable:  false,
		cause:      cause,
	}
}

// NewModelTimeout creates an error (504) for predictions that did not settle
// within the polling budget.
func NewModelTimeout(model, message string) *EditError {
	return &EditError{
		StatusCode: http.StatusGatewayTimeout,
		Message:    message,
		Type:       TypeModelTimeout,
		Model:      model,
		Retryable:  true,
	}
}

// NewStorageFailure creates an error (500) for cache tier reads and writes.
func NewStorageFailure(message string, cause error) *EditError {
	return &EditError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeStorageFailure,
		Retryable:  true,
		cause:      cause,
	}
}

// NewCancelled creates an error (499) for requests superseded or abandoned
// before completion.
func NewCancelled(message string) *EditError {
	return &EditError{
		StatusCode: StatusClientClosedRequest,
		Message:    message,
		Type:       TypeCancelled,
		Retryable:  false,
	}
}

// IsType reports whether err is an EditError of the given type.
func IsType(err error, errType string) bool {
	var ee *EditError
	if errors.As(err, &ee) {
		return ee.Type == errType
	}
	return false
}

// IsCancelled reports whether err marks a superseded or abandoned request.
func IsCancelled(err error) bool {
	return IsType(err, TypeCancelled)
}

// IsRetryable reports whether the operation that produced err may be retried.
// Unknown error values are treated as non-retryable.
func IsRetryable(err error) bool {
	var ee *EditError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}
