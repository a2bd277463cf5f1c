package order

import "sync"

// Store is an in-memory order registry, safe for concurrent use by API
// handlers and pipeline workers. Records live for the process lifetime;
// there is no expiry or deletion.
type Store struct {
	mu     sync.RWMutex
	orders map[string]Order
}

func NewStore() *Store {
	return &Store{orders: make(map[string]Order)}
}

// Put stores a snapshot of the order, replacing any existing record.
func (s *Store) Put(o *Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = *o
}

// Get returns a copy of the order, or false when the id is unknown.
// Callers treat absence as "no such order", not as a fault.
func (s *Store) Get(id string) (*Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, false
	}
	cp := o
	return &cp, true
}

// Len returns the number of stored orders (for tests/metrics).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}
