package commbus

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

// CommBusError wraps a failure raised while routing a message.
type CommBusError struct {
	Message string
	Cause   error
}

func (e *CommBusError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CommBusError) Unwrap() error {
	return e.Cause
}

// NoHandlerError is returned when a query has no handler, or when a
// middleware (typically an open circuit) short-circuited it.
type NoHandlerError struct {
	MessageType string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for %s", e.MessageType)
}

// NewNoHandlerError creates a new NoHandlerError.
func NewNoHandlerError(messageType string) *NoHandlerError {
	return &NoHandlerError{MessageType: messageType}
}

// HandlerAlreadyRegisteredError is returned on duplicate RegisterHandler calls.
type HandlerAlreadyRegisteredError struct {
	MessageType string
}

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("handler already registered for %s", e.MessageType)
}

// NewHandlerAlreadyRegisteredError creates a new HandlerAlreadyRegisteredError.
func NewHandlerAlreadyRegisteredError(messageType string) *HandlerAlreadyRegisteredError {
	return &HandlerAlreadyRegisteredError{MessageType: messageType}
}

// QueryTimeoutError is returned when a query handler outlives the bus timeout.
type QueryTimeoutError struct {
	MessageType string
	Timeout     float64
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query %s timed out after %.2fs", e.MessageType, e.Timeout)
}

// Is lets errors.Is match context.DeadlineExceeded.
func (e *QueryTimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// NewQueryTimeoutError creates a new QueryTimeoutError.
func NewQueryTimeoutError(messageType string, timeout float64) *QueryTimeoutError {
	return &QueryTimeoutError{MessageType: messageType, Timeout: timeout}
}

// IsNoHandler reports whether err is (or wraps) a NoHandlerError.
func IsNoHandler(err error) bool {
	var target *NoHandlerError
	return errors.As(err, &target)
}

// IsQueryTimeout reports whether err is (or wraps) a QueryTimeoutError.
func IsQueryTimeout(err error) bool {
	var target *QueryTimeoutError
	return errors.As(err, &target)
}
