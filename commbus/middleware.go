// Package commbus provides CommBus Middleware implementations.
//
// Available Middleware:
//   - LoggingMiddleware: Structured logging of all messages
//   - CircuitBreakerMiddleware: Failure protection for message types
package commbus

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all message traffic at debug level.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	if logger == nil {
		logger = NopLogger()
	}
	return &LoggingMiddleware{logger: logger}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.logger.Debug("commbus_message", "category", message.Category(), "type", GetMessageType(message))
	return message, nil
}

// After logs message completion.
func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	msgType := GetMessageType(message)
	if err != nil {
		m.logger.Warn("commbus_message_failed", "type", msgType, "error", err.Error())
	} else {
		m.logger.Debug("commbus_message_completed", "type", msgType)
	}
	return result, nil
}

// =============================================================================
// CIRCUIT BREAKER MIDDLEWARE
// =============================================================================

// CircuitBreakerState represents the state for circuit breaker.
type CircuitBreakerState struct {
	Failures    int
	LastFailure time.Time
	State       string // "closed", "open", "half-open"
}

// CircuitBreakerMiddleware implements the circuit breaker pattern.
//
// Protects against cascading failures by:
//   - Opening circuit after N failures
//   - Blocking requests while open
//   - Testing with single request in half-open state
//   - Closing circuit after success
type CircuitBreakerMiddleware struct {
	failureThreshold int
	resetTimeout     time.Duration
	excludedTypes    map[string]struct{}
	states           map[string]*CircuitBreakerState
	logger           Logger
	clock            Clock
	mu               sync.Mutex
}

// BreakerOption configures a CircuitBreakerMiddleware.
type BreakerOption func(*CircuitBreakerMiddleware)

// WithBreakerLogger sets the breaker logger.
func WithBreakerLogger(logger Logger) BreakerOption {
	return func(m *CircuitBreakerMiddleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithBreakerClock sets the breaker time source.
func WithBreakerClock(clock Clock) BreakerOption {
	return func(m *CircuitBreakerMiddleware) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewCircuitBreakerMiddleware creates a new CircuitBreakerMiddleware.
func NewCircuitBreakerMiddleware(failureThreshold int, resetTimeout time.Duration, excludedTypes []string, opts ...BreakerOption) *CircuitBreakerMiddleware {
	excluded := make(map[string]struct{})
	for _, t := range excludedTypes {
		excluded[t] = struct{}{}
	}

	m := &CircuitBreakerMiddleware{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		excludedTypes:    excluded,
		states:           make(map[string]*CircuitBreakerState),
		logger:           NopLogger(),
		clock:            SystemClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// getState gets or creates state for a message type.
func (m *CircuitBreakerMiddleware) getState(msgType string) *CircuitBreakerState {
	if _, exists := m.states[msgType]; !exists {
		m.states[msgType] = &CircuitBreakerState{State: "closed"}
	}
	return m.states[msgType]
}

// Before checks circuit breaker state.
func (m *CircuitBreakerMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	msgType := GetMessageType(message)

	if _, excluded := m.excludedTypes[msgType]; excluded {
		return message, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(msgType)
	now := m.clock.Now()

	if state.State == "open" {
		if now.Sub(state.LastFailure) >= m.resetTimeout {
			state.State = "half-open"
			m.logger.Info("circuit_half_open", "type", msgType)
		} else {
			m.logger.Debug("circuit_open_blocked", "type", msgType)
			return nil, nil
		}
	}

	return message, nil
}

// After updates circuit breaker state based on result.
func (m *CircuitBreakerMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	msgType := GetMessageType(message)

	if _, excluded := m.excludedTypes[msgType]; excluded {
		return result, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(msgType)
	now := m.clock.Now()

	if err != nil {
		state.Failures++
		state.LastFailure = now

		if state.State == "half-open" {
			state.State = "open"
			m.logger.Warn("circuit_reopened", "type", msgType)
		} else if m.failureThreshold > 0 && state.Failures >= m.failureThreshold {
			// threshold=0 means never open
			state.State = "open"
			m.logger.Warn("circuit_opened", "type", msgType, "failures", state.Failures)
		}
	} else if state.State == "half-open" {
		state.State = "closed"
		state.Failures = 0
		m.logger.Info("circuit_closed", "type", msgType)
	}

	return result, nil
}

// GetStates returns current circuit states.
func (m *CircuitBreakerMiddleware) GetStates() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]string)
	for k, v := range m.states {
		result[k] = v.State
	}
	return result
}

// IsOpen reports whether the circuit for msgType is currently open.
func (m *CircuitBreakerMiddleware) IsOpen(msgType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[msgType]
	return ok && s.State == "open"
}

// Reset resets circuit breaker state.
func (m *CircuitBreakerMiddleware) Reset(msgType *string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msgType != nil {
		delete(m.states, *msgType)
	} else {
		m.states = make(map[string]*CircuitBreakerState)
	}
}

// Ensure all middleware types implement Middleware interface.
var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
