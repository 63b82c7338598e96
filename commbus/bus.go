package commbus

import (
	"context"
	"sync"
	"time"
)

// InMemoryCommBus is an in-memory implementation of CommBus.
//
// Thread-safe message bus for single-process deployments.
//
// Features:
//   - Event fan-out to multiple subscribers
//   - Query request-response with timeout
//   - Command fire-and-forget
//   - Middleware chain for cross-cutting concerns
//
// Usage:
//
//	bus := NewInMemoryCommBus(30*time.Second, WithLogger(logger))
//
//	bus.RegisterHandler("CompleteReply", completionHandler)
//	bus.Subscribe("ChangeApplied", metricsHandler)
//
//	bus.Publish(ctx, &ChangeApplied{...})
//	reply, _ := bus.QuerySync(ctx, &CompleteReply{...})
type InMemoryCommBus struct {
	handlers     map[string]HandlerFunc
	subscribers  map[string][]subscription
	middleware   []Middleware
	queryTimeout time.Duration
	logger       Logger
	nextSubID    uint64
	mu           sync.RWMutex
}

type subscription struct {
	id      uint64
	handler HandlerFunc
}

// BusOption configures an InMemoryCommBus.
type BusOption func(*InMemoryCommBus)

// WithLogger sets the bus logger.
func WithLogger(logger Logger) BusOption {
	return func(b *InMemoryCommBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewInMemoryCommBus creates a new InMemoryCommBus.
func NewInMemoryCommBus(queryTimeout time.Duration, opts ...BusOption) *InMemoryCommBus {
	b := &InMemoryCommBus{
		handlers:     make(map[string]HandlerFunc),
		subscribers:  make(map[string][]subscription),
		middleware:   make([]Middleware, 0),
		queryTimeout: queryTimeout,
		logger:       NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// =============================================================================
// MESSAGING
// =============================================================================

// Publish publishes an event to all subscribers.
// Events are processed concurrently by all subscribers.
// Subscriber errors are logged but don't stop other subscribers.
func (b *InMemoryCommBus) Publish(ctx context.Context, event Message) error {
	eventType := GetMessageType(event)

	processedEvent, err := b.runMiddlewareBefore(ctx, event)
	if err != nil {
		return err
	}
	if processedEvent == nil {
		b.logger.Debug("commbus_event_aborted", "type", eventType)
		return nil
	}

	b.mu.RLock()
	subs := b.subscribers[eventType]
	handlers := make([]HandlerFunc, len(subs))
	for i, s := range subs {
		handlers[i] = s.handler
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("commbus_no_subscribers", "type", eventType)
		_, _ = b.runMiddlewareAfter(ctx, event, nil, nil)
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(handlers))

	for i, handler := range handlers {
		wg.Add(1)
		go func(idx int, h HandlerFunc) {
			defer wg.Done()
			if _, err := h(ctx, processedEvent); err != nil {
				errs[idx] = err
				b.logger.Warn("commbus_subscriber_failed", "type", eventType, "index", idx, "error", err.Error())
			}
		}(i, handler)
	}

	wg.Wait()

	var firstError error
	for _, e := range errs {
		if e != nil {
			firstError = e
			break
		}
	}

	_, _ = b.runMiddlewareAfter(ctx, event, nil, firstError)
	return nil
}

// Send sends a command to its handler.
// Commands are fire-and-forget. Handler errors are logged and returned.
func (b *InMemoryCommBus) Send(ctx context.Context, command Message) error {
	messageType := GetMessageType(command)

	processed, err := b.runMiddlewareBefore(ctx, command)
	if err != nil {
		return err
	}
	if processed == nil {
		b.logger.Debug("commbus_command_aborted", "type", messageType)
		return nil
	}

	b.mu.RLock()
	handler, exists := b.handlers[messageType]
	b.mu.RUnlock()

	if !exists {
		b.logger.Debug("commbus_no_handler", "type", messageType)
		return nil
	}

	_, handlerError := handler(ctx, processed)
	if handlerError != nil {
		b.logger.Warn("commbus_command_failed", "type", messageType, "error", handlerError.Error())
	}

	_, _ = b.runMiddlewareAfter(ctx, command, nil, handlerError)
	return handlerError
}

// QuerySync sends a query and waits for response.
// Queries have a timeout and require a registered handler.
func (b *InMemoryCommBus) QuerySync(ctx context.Context, query Query) (any, error) {
	messageType := GetMessageType(query)

	processed, err := b.runMiddlewareBefore(ctx, query)
	if err != nil {
		return nil, err
	}
	if processed == nil {
		return nil, NewNoHandlerError(messageType)
	}

	b.mu.RLock()
	handler, exists := b.handlers[messageType]
	b.mu.RUnlock()

	if !exists {
		return nil, NewNoHandlerError(messageType)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, b.queryTimeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		v, e := handler(timeoutCtx, processed)
		resultCh <- result{value: v, err: e}
	}()

	select {
	case <-timeoutCtx.Done():
		err := NewQueryTimeoutError(messageType, b.queryTimeout.Seconds())
		_, _ = b.runMiddlewareAfter(ctx, query, nil, err)
		return nil, err
	case res := <-resultCh:
		finalResult, middlewareErr := b.runMiddlewareAfter(ctx, query, res.value, res.err)
		if middlewareErr != nil {
			return finalResult, middlewareErr
		}
		return finalResult, res.err
	}
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Subscribe subscribes to an event type.
// Returns an unsubscribe function for cleanup.
func (b *InMemoryCommBus) Subscribe(eventType string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	b.logger.Debug("commbus_subscribed", "type", eventType)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subs := b.subscribers[eventType]
			for i, s := range subs {
				if s.id == id {
					kept := make([]subscription, 0, len(subs)-1)
					kept = append(kept, subs[:i]...)
					b.subscribers[eventType] = append(kept, subs[i+1:]...)
					b.logger.Debug("commbus_unsubscribed", "type", eventType)
					break
				}
			}
		})
	}
}

// RegisterHandler registers a handler for a message type.
// Only one handler per message type is allowed.
func (b *InMemoryCommBus) RegisterHandler(messageType string, handler HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[messageType]; exists {
		return NewHandlerAlreadyRegisteredError(messageType)
	}

	b.handlers[messageType] = handler
	b.logger.Debug("commbus_handler_registered", "type", messageType)
	return nil
}

// AddMiddleware adds middleware to the bus.
// Middleware is executed in registration order.
func (b *InMemoryCommBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.middleware = append(b.middleware, middleware)
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// HasHandler checks if a handler is registered for a message type.
func (b *InMemoryCommBus) HasHandler(messageType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, exists := b.handlers[messageType]
	return exists
}

// GetSubscribers gets all subscribers for an event type.
func (b *InMemoryCommBus) GetSubscribers(eventType string) []HandlerFunc {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.subscribers[eventType]
	result := make([]HandlerFunc, len(subs))
	for i, s := range subs {
		result[i] = s.handler
	}
	return result
}

// GetRegisteredTypes gets all registered message types (handlers + subscriptions).
func (b *InMemoryCommBus) GetRegisteredTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make(map[string]struct{})
	for t := range b.handlers {
		types[t] = struct{}{}
	}
	for t, subs := range b.subscribers {
		if len(subs) > 0 {
			types[t] = struct{}{}
		}
	}

	result := make([]string, 0, len(types))
	for t := range types {
		result = append(result, t)
	}
	return result
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Clear clears all handlers, subscribers, and middleware.
// Useful for testing.
func (b *InMemoryCommBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = make(map[string]HandlerFunc)
	b.subscribers = make(map[string][]subscription)
	b.middleware = make([]Middleware, 0)
	b.logger.Debug("commbus_cleared")
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

// runMiddlewareBefore runs middleware before chain.
func (b *InMemoryCommBus) runMiddlewareBefore(ctx context.Context, message Message) (Message, error) {
	b.mu.RLock()
	middlewareCopy := make([]Middleware, len(b.middleware))
	copy(middlewareCopy, b.middleware)
	b.mu.RUnlock()

	current := message
	for _, mw := range middlewareCopy {
		result, err := mw.Before(ctx, current)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		current = result
	}
	return current, nil
}

// runMiddlewareAfter runs middleware after chain (reverse order).
func (b *InMemoryCommBus) runMiddlewareAfter(ctx context.Context, message Message, result any, err error) (any, error) {
	b.mu.RLock()
	middlewareCopy := make([]Middleware, len(b.middleware))
	copy(middlewareCopy, b.middleware)
	b.mu.RUnlock()

	currentResult := result
	for i := len(middlewareCopy) - 1; i >= 0; i-- {
		afterResult, afterErr := middlewareCopy[i].After(ctx, message, currentResult, err)
		if afterErr != nil {
			err = afterErr
		}
		if afterResult != nil {
			currentResult = afterResult
		}
	}
	return currentResult, err
}

// Ensure InMemoryCommBus implements CommBus interface.
var _ CommBus = (*InMemoryCommBus)(nil)
