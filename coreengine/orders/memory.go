package orders

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store held in process memory. Used in tests and when no
// database path is configured.
type MemoryStore struct {
	orders map[string]*Order // keyed by normalized order id
	nextID int64
	now    func() time.Time
	mu     sync.RWMutex
}

// NewMemoryStore creates a store holding copies of list.
func NewMemoryStore(list []Order) *MemoryStore {
	s := &MemoryStore{
		orders: make(map[string]*Order, len(list)),
		now:    time.Now,
	}
	for _, o := range list {
		s.put(o)
	}
	return s
}

// SetClock overrides the clock used for updated_at stamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) put(o Order) {
	c := o.Clone()
	if c.ID == 0 {
		s.nextID++
		c.ID = s.nextID
	} else if c.ID > s.nextID {
		s.nextID = c.ID
	}
	id, _ := normalizeKey(c.OrderID, "")
	s.orders[id] = &c
}

// Find implements Store.
func (s *MemoryStore) Find(ctx context.Context, orderID, email string) (*Order, error) {
	id, mail := normalizeKey(orderID, email)

	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok || lowerTrim(o.Email) != mail {
		return nil, ErrNotFound
	}
	c := o.Clone()
	return &c, nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, orderID, email string, u Update) (msg string, err error) {
	defer func() { recordUpdate(u, err) }()

	if err := u.Validate(); err != nil {
		return "", err
	}
	id, mail := normalizeKey(orderID, email)

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok || lowerTrim(o.Email) != mail {
		return "", &WriteError{OrderID: orderID, Email: email, Cause: ErrNotFound}
	}
	updated := o.Apply(u)
	now := s.now().UTC()
	updated.UpdatedAt = &now
	s.orders[id] = &updated
	return successMessage(orderID), nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Order, 0, len(s.orders))
	for _, o := range s.orders {
		result = append(result, o.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Count implements Store.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders), nil
}

// LatestUpdatedID implements Store.
func (s *MemoryStore) LatestUpdatedID(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Order
	for _, o := range s.orders {
		if o.UpdatedAt == nil {
			continue
		}
		if latest == nil || o.UpdatedAt.After(*latest.UpdatedAt) ||
			(o.UpdatedAt.Equal(*latest.UpdatedAt) && o.ID > latest.ID) {
			latest = o
		}
	}
	if latest == nil {
		return "", nil
	}
	return latest.OrderID, nil
}

func lowerTrim(s string) string {
	_, mail := normalizeKey("", s)
	return mail
}

var _ Store = (*MemoryStore)(nil)
