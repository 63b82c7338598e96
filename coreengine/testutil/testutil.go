// Package testutil provides shared test doubles for the shipping agent.
//
// Nothing here talks to a network or a database: the completer is scripted,
// the order store is in memory and the clock is fixed.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/shippingagent/coreengine/llm"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/orders"
)

// =============================================================================
// MOCK COMPLETER
// =============================================================================

// MockCompleter implements llm.Completer for testing.
// Configure replies by user message prefix or use DefaultResponse.
type MockCompleter struct {
	// Responses maps user message prefixes to replies.
	Responses map[string]string

	// DefaultResponse is returned when no prefix matches.
	DefaultResponse string

	// Delay simulates model latency.
	Delay time.Duration

	// Error causes Complete and Stream to return this error.
	Error error

	// Chunks, when set, is what Stream emits instead of splitting the reply.
	Chunks []string

	// Calls records all requests for assertion.
	Calls []llm.Request

	mu sync.Mutex
}

// NewMockCompleter creates a MockCompleter with a default reply.
func NewMockCompleter() *MockCompleter {
	return &MockCompleter{
		Responses:       make(map[string]string),
		DefaultResponse: "Mock reply.",
	}
}

// WithResponse adds a prefix-based reply.
func (m *MockCompleter) WithResponse(prefix, reply string) *MockCompleter {
	m.Responses[prefix] = reply
	return m
}

// WithError configures the mock to fail.
func (m *MockCompleter) WithError(err error) *MockCompleter {
	m.Error = err
	return m
}

// WithDelay adds latency simulation.
func (m *MockCompleter) WithDelay(d time.Duration) *MockCompleter {
	m.Delay = d
	return m
}

// Complete implements llm.Completer.
func (m *MockCompleter) Complete(ctx context.Context, req llm.Request) (string, error) {
	return m.reply(ctx, req)
}

// Stream implements llm.Completer.
func (m *MockCompleter) Stream(ctx context.Context, req llm.Request, onChunk func(string) error) (string, error) {
	text, err := m.reply(ctx, req)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	chunks := m.Chunks
	m.mu.Unlock()
	if chunks == nil {
		chunks = strings.SplitAfter(text, " ")
	}
	var full strings.Builder
	for _, c := range chunks {
		if err := onChunk(c); err != nil {
			return full.String(), err
		}
		full.WriteString(c)
	}
	return full.String(), nil
}

func (m *MockCompleter) reply(ctx context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	delay, failure := m.Delay, m.Error
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", &llm.UnavailableError{Op: "complete", Cause: ctx.Err()}
		}
	}
	if failure != nil {
		return "", failure
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for prefix, reply := range m.Responses {
		if strings.HasPrefix(req.UserMessage, prefix) {
			return reply, nil
		}
	}
	return m.DefaultResponse, nil
}

// CallCount returns the number of calls (thread-safe).
func (m *MockCompleter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastRequest returns the most recent request.
func (m *MockCompleter) LastRequest() llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return llm.Request{}
	}
	return m.Calls[len(m.Calls)-1]
}

// =============================================================================
// ORDER STORES
// =============================================================================

// Demo order used across tests.
const (
	DemoOrderID = "3DV7KU4PK54"
	DemoEmail   = "cworshall0@flavors.me"
)

// NewOrderStore returns an in-memory store holding the seed orders.
func NewOrderStore() *orders.MemoryStore {
	return orders.NewMemoryStore(orders.SeedOrders())
}

// FlakyStore wraps a store and fails writes while UpdateErr is set.
type FlakyStore struct {
	orders.Store

	mu          sync.Mutex
	updateErr   error
	UpdateCalls int
}

// NewFlakyStore wraps inner.
func NewFlakyStore(inner orders.Store) *FlakyStore {
	return &FlakyStore{Store: inner}
}

// FailUpdates makes every Update return a write error until cleared with nil.
func (s *FlakyStore) FailUpdates(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateErr = cause
}

// Update implements orders.Store.
func (s *FlakyStore) Update(ctx context.Context, orderID, email string, u orders.Update) (string, error) {
	s.mu.Lock()
	s.UpdateCalls++
	cause := s.updateErr
	s.mu.Unlock()
	if cause != nil {
		return "", &orders.WriteError{OrderID: orderID, Email: email, Cause: cause}
	}
	return s.Store.Update(ctx, orderID, email, u)
}

// Updates returns the number of Update calls (thread-safe).
func (s *FlakyStore) Updates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.UpdateCalls
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock is a settable clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock fixed at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// =============================================================================
// LOGGER
// =============================================================================

// LogEntry is one captured log call.
type LogEntry struct {
	Level  string
	Msg    string
	Fields []any
}

// Logger captures log calls for assertion.
type Logger struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (l *Logger) add(level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{Level: level, Msg: msg, Fields: kv})
}

func (l *Logger) Debug(msg string, kv ...any) { l.add("debug", msg, kv) }
func (l *Logger) Info(msg string, kv ...any)  { l.add("info", msg, kv) }
func (l *Logger) Warn(msg string, kv ...any)  { l.add("warn", msg, kv) }
func (l *Logger) Error(msg string, kv ...any) { l.add("error", msg, kv) }

// Has reports whether msg was logged at any level.
func (l *Logger) Has(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Msg == msg {
			return true
		}
	}
	return false
}

// Entries returns a copy of the captured entries.
func (l *Logger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// String renders the captured entries, one per line.
func (l *Logger) String() string {
	var b strings.Builder
	for _, e := range l.Entries() {
		fmt.Fprintf(&b, "%s %s %v\n", e.Level, e.Msg, e.Fields)
	}
	return b.String()
}
