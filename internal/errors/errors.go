// Package errors provides structured error handling for the realtime core,
// mapping error categories to websocket close codes and error frames.
package errors

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

// ErrorType represents the category of error for metrics and close-frame formatting.
type ErrorType string

const (
	// TypeTransport indicates a network drop or abrupt close. Drives the
	// client retry state machine and server-side reaping.
	TypeTransport ErrorType = "transport"
	// TypeProtocol indicates a malformed or unknown frame. Answered with a
	// scoped error frame; the connection stays alive.
	TypeProtocol ErrorType = "protocol"
	// TypeCapacity indicates a connection or payload over a configured
	// ceiling. The connection is refused or closed with a distinct reason.
	TypeCapacity ErrorType = "capacity"
	// TypeExhausted indicates the client ran out of reconnect attempts and
	// entered its terminal Failed state.
	TypeExhausted ErrorType = "exhausted"
)

// Custom close codes in the private-use range (4000-4999).
const (
	CloseCapacityExceeded = 4001
	CloseServerDisabled   = 4002
	CloseNotResponding    = 4003
)

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// CloseCode returns the websocket close code to use when this error
// terminates a connection.
func (e *Error) CloseCode() int {
	switch e.Type {
	case TypeCapacity:
		return CloseCapacityExceeded
	case TypeProtocol:
		return websocket.ClosePolicyViolation
	case TypeTransport:
		return websocket.CloseAbnormalClosure
	default:
		return websocket.CloseInternalServerErr
	}
}

// WithContext attaches a key/value pair for logging.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// TransportError creates a transport-level error wrapping cause.
func TransportError(message string, cause error) *Error {
	return &Error{Type: TypeTransport, Message: message, Cause: cause}
}

// ProtocolError creates an error for a malformed or unknown frame.
func ProtocolError(message string) *Error {
	return &Error{Type: TypeProtocol, Message: message}
}

// CapacityError creates an error for an exceeded ceiling.
func CapacityError(message string) *Error {
	return &Error{Type: TypeCapacity, Message: message}
}

// ExhaustedError creates an error for spent reconnect attempts.
func ExhaustedError(message string, cause error) *Error {
	return &Error{Type: TypeExhausted, Message: message, Cause: cause}
}

// TypeOf extracts the ErrorType from err, returning ("", false) when err is
// not a structured realtime error.
func TypeOf(err error) (ErrorType, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Type, true
	}
	return "", false
}

// IsType reports whether err is a structured error of the given type.
func IsType(err error, t ErrorType) bool {
	got, ok := TypeOf(err)
	return ok && got == t
}
