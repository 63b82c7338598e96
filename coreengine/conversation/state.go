// Package conversation holds per-context conversation state and chat history.
//
// State is keyed by context id. Each context has its own lock, so turns in
// different contexts never block each other, while Lock serializes the turns
// of a single context. Nothing here survives a process restart.
package conversation

import (
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/shippingagent/coreengine/orders"
)

// =============================================================================
// State
// =============================================================================

// State is the verification and pending-change data of one context.
// A pending change may exist only while Verified is set.
type State struct {
	Verified       *orders.Order
	PendingDate    *string
	PendingAddress *orders.Address
}

// IsVerified reports whether an order snapshot is cached.
func (s State) IsVerified() bool {
	return s.Verified != nil
}

// HasPending reports whether any change is staged.
func (s State) HasPending() bool {
	return s.PendingDate != nil || s.PendingAddress != nil
}

// ClearPending drops both pending slots.
func (s *State) ClearPending() {
	s.PendingDate = nil
	s.PendingAddress = nil
}

// Clone returns a deep copy.
func (s State) Clone() State {
	var c State
	if s.Verified != nil {
		o := s.Verified.Clone()
		c.Verified = &o
	}
	if s.PendingDate != nil {
		d := *s.PendingDate
		c.PendingDate = &d
	}
	if s.PendingAddress != nil {
		a := *s.PendingAddress
		c.PendingAddress = &a
	}
	return c
}

// VerifiedState returns the state written by a successful verification:
// the snapshot alone, with no pending changes.
func VerifiedState(o orders.Order) State {
	c := o.Clone()
	return State{Verified: &c}
}

// =============================================================================
// Store
// =============================================================================

type entry struct {
	turn    sync.Mutex   // held for the whole turn
	mu      sync.RWMutex // guards state and touched
	state   State
	exists  bool
	touched time.Time
}

// Store maps context ids to State.
type Store struct {
	entries map[string]*entry
	now     func() time.Time
	mu      sync.Mutex // guards the map only
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry), now: time.Now}
}

// SetClock overrides the clock used for idle tracking.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) entry(contextID string, create bool) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[contextID]
	if !ok && create {
		e = &entry{touched: s.now()}
		s.entries[contextID] = e
	}
	return e
}

// Lock serializes turns within one context. The returned func releases it.
func (s *Store) Lock(contextID string) func() {
	e := s.entry(contextID, true)
	e.turn.Lock()
	return e.turn.Unlock
}

// Get returns a copy of the context's state, and false when none was set.
func (s *Store) Get(contextID string) (State, bool) {
	e := s.entry(contextID, false)
	if e == nil {
		return State{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.exists {
		return State{}, false
	}
	return e.state.Clone(), true
}

// Set replaces the context's state.
func (s *Store) Set(contextID string, st State) {
	e := s.entry(contextID, true)
	now := s.clock()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = st.Clone()
	e.exists = true
	e.touched = now
}

// Delete forgets a context.
func (s *Store) Delete(contextID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, contextID)
}

// Len returns the number of contexts with state.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		e.mu.RLock()
		if e.exists {
			n++
		}
		e.mu.RUnlock()
	}
	return n
}

// CleanupIdle drops contexts untouched for longer than maxIdle that are not
// mid-turn. Returns the number removed.
func (s *Store) CleanupIdle(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-maxIdle)
	removed := 0
	for id, e := range s.entries {
		if !e.turn.TryLock() {
			continue
		}
		e.mu.RLock()
		idle := e.touched.Before(cutoff)
		e.mu.RUnlock()
		if idle {
			delete(s.entries, id)
			removed++
		}
		e.turn.Unlock()
	}
	return removed
}

func (s *Store) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}
