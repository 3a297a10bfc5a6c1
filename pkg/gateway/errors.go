// Package gateway defines the error taxonomy shared by all tapgate components
// and the JSON error responses returned at the HTTP boundary.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType categorizes a gateway error. The type string is surfaced to
// clients in the JSON error body, so values are stable.
type ErrorType string

const (
	// ErrorTypeValidation indicates a request that failed semantic validation.
	ErrorTypeValidation ErrorType = "validation_error"

	// ErrorTypeInvalidInput indicates a malformed request or message shape.
	ErrorTypeInvalidInput ErrorType = "invalid_input"

	// ErrorTypeRequest indicates a failure talking to the backend daemon.
	ErrorTypeRequest ErrorType = "request_error"

	// ErrorTypeTimeout indicates a backend request that timed out.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeUnavailable indicates the backend daemon is unreachable.
	ErrorTypeUnavailable ErrorType = "service_unavailable"

	// ErrorTypeSerialization indicates a JSON encoding/decoding failure.
	ErrorTypeSerialization ErrorType = "serialization_error"

	// ErrorTypeWebSocket indicates a WebSocket connection failure.
	ErrorTypeWebSocket ErrorType = "websocket_error"

	// ErrorTypeWebSocketProxy indicates a failure establishing or running
	// the backend leg of a proxied WebSocket connection.
	ErrorTypeWebSocketProxy ErrorType = "proxy_error"

	// ErrorTypeDatabase indicates a receiver-store operation failure.
	ErrorTypeDatabase ErrorType = "database_error"

	// ErrorTypeInternal is the fallback for unclassified errors.
	ErrorTypeInternal ErrorType = "internal_error"
)

// Error is the gateway-wide error type. It carries a client-safe message,
// a stable type string, and an optional wrapped cause that is logged
// server-side but never serialized.
type Error struct {
	// Type categorizes the error for status-code mapping and the JSON body.
	Type ErrorType

	// Message is the client-visible description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode maps the error type to an HTTP status code.
func (e *Error) StatusCode() int {
	switch e.Type {
	case ErrorTypeValidation, ErrorTypeInvalidInput:
		return http.StatusBadRequest
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeUnavailable, ErrorTypeWebSocketProxy:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewValidationError creates a validation error with a client-visible message.
func NewValidationError(msg string) *Error {
	return &Error{Type: ErrorTypeValidation, Message: msg}
}

// NewInvalidInputError creates an invalid-input error with a client-visible
// message.
func NewInvalidInputError(msg string) *Error {
	return &Error{Type: ErrorTypeInvalidInput, Message: msg}
}

// NewRequestError wraps a backend request failure.
func NewRequestError(msg string, err error) *Error {
	return &Error{Type: ErrorTypeRequest, Message: msg, Err: err}
}

// NewTimeoutError wraps a backend timeout.
func NewTimeoutError(msg string, err error) *Error {
	return &Error{Type: ErrorTypeTimeout, Message: msg, Err: err}
}

// NewUnavailableError wraps a backend connectivity failure.
func NewUnavailableError(msg string, err error) *Error {
	return &Error{Type: ErrorTypeUnavailable, Message: msg, Err: err}
}

// NewSerializationError wraps a JSON encoding/decoding failure.
func NewSerializationError(err error) *Error {
	return &Error{Type: ErrorTypeSerialization, Message: "data serialization error", Err: err}
}

// NewWebSocketError wraps a WebSocket connection failure.
func NewWebSocketError(msg string, err error) *Error {
	return &Error{Type: ErrorTypeWebSocket, Message: msg, Err: err}
}

// NewWebSocketProxyError wraps a failure on the backend leg of a proxied
// WebSocket connection.
func NewWebSocketProxyError(msg string, err error) *Error {
	return &Error{Type: ErrorTypeWebSocketProxy, Message: msg, Err: err}
}

// NewDatabaseError wraps a receiver-store failure.
func NewDatabaseError(msg string, err error) *Error {
	return &Error{Type: ErrorTypeDatabase, Message: msg, Err: err}
}

// ErrorResponse is the JSON body written for all HTTP error conditions.
type ErrorResponse struct {
	// Error is the client-visible message.
	Error string `json:"error"`

	// Type is the stable error-type string.
	Type string `json:"type"`
}

// WriteError writes err to w as a JSON error response with a mapped status
// code. Unclassified errors are reported as internal errors without leaking
// the underlying message.
func WriteError(w http.ResponseWriter, err error) {
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		gwErr = &Error{Type: ErrorTypeInternal, Message: "internal server error", Err: err}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gwErr.StatusCode())
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: gwErr.Message,
		Type:  string(gwErr.Type),
	})
}

// WriteJSON writes v to w as a JSON response with status code 200, falling
// back to an error response if encoding fails.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already written at this point; nothing more to do
		// beyond logging at the caller.
		_ = err
	}
}
