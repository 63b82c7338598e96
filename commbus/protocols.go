// Package commbus provides the in-process communication bus.
//
// The agent publishes turn and order events on the bus, and reaches the
// text-completion service through a query so the circuit breaker middleware
// can shed load when the model keeps failing.
//
// Protocol Categories:
//   - Bus Protocols: Message, Query, Handler, Middleware, CommBus
//   - Ambient Protocols: Logger, Clock
package commbus

import (
	"context"
	"time"
)

// =============================================================================
// COMMBUS PROTOCOLS
// =============================================================================

// Message is the protocol for all commbus messages.
// All messages (events, queries, commands) must have a category.
type Message interface {
	// Category returns the message category: "event", "query", or "command".
	Category() string
}

// Query is the protocol for query messages that expect a response.
type Query interface {
	Message
	// IsQuery is a marker method to distinguish queries from other messages.
	IsQuery()
}

// Handler is the protocol for message handlers.
type Handler interface {
	// Handle processes a message and returns a response for queries.
	Handle(ctx context.Context, message Message) (any, error)
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, message Message) (any, error) {
	return f(ctx, message)
}

// Middleware intercepts messages before and after handling.
// Used for logging, circuit breaking, etc.
type Middleware interface {
	// Before is called before message is handled.
	// Returns modified message, or nil to abort processing.
	Before(ctx context.Context, message Message) (Message, error)

	// After is called after message is handled.
	// Returns modified result.
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// CommBus is the protocol for the communication bus.
//
// The CommBus provides three messaging patterns:
//   - Publish(event): Fire-and-forget, fan-out to all subscribers
//   - Send(command): Fire-and-forget, single handler
//   - QuerySync(query): Request-response, returns result
type CommBus interface {
	// Publish publishes an event to all subscribers.
	Publish(ctx context.Context, event Message) error

	// Send sends a command to its handler.
	Send(ctx context.Context, command Message) error

	// QuerySync sends a query and waits for response.
	QuerySync(ctx context.Context, query Query) (any, error)

	// Subscribe subscribes to an event type.
	// Returns an unsubscribe function.
	Subscribe(eventType string, handler HandlerFunc) func()

	// RegisterHandler registers a handler for a message type.
	// Only one handler per message type is allowed.
	RegisterHandler(messageType string, handler HandlerFunc) error

	// AddMiddleware adds middleware to the bus.
	// Middleware is executed in registration order.
	AddMiddleware(middleware Middleware)

	// HasHandler checks if a handler is registered for a message type.
	HasHandler(messageType string) bool

	// GetSubscribers gets all subscribers for an event type.
	GetSubscribers(eventType string) []HandlerFunc

	// Clear removes all handlers, subscribers, and middleware.
	Clear()
}

// =============================================================================
// AMBIENT PROTOCOLS
// =============================================================================

// Logger is the structured logging protocol shared across the service.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Clock is the time source protocol, injectable for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// nopLogger discards everything.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NopLogger returns a Logger that discards all output.
func NopLogger() Logger { return nopLogger{} }
