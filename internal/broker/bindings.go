package broker

import (
	"sort"
	"sync"
)

// BindingTable maps exchange name -> set of bound queue ids.
//
// Mutations are exclusive per exchange; readers get a consistent snapshot.
type BindingTable struct {
	mu   sync.RWMutex
	sets map[string]*bindingSet
}

type bindingSet struct {
	mu     sync.RWMutex
	queues map[string]struct{}
}

func NewBindingTable() *BindingTable {
	return &BindingTable{sets: map[string]*bindingSet{}}
}

func (t *BindingTable) set(exchange string, create bool) *bindingSet {
	t.mu.RLock()
	s := t.sets[exchange]
	t.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s = t.sets[exchange]; s == nil {
		s = &bindingSet{queues: map[string]struct{}{}}
		t.sets[exchange] = s
	}
	return s
}

// Bind adds the relation. It reports whether the binding is new.
func (t *BindingTable) Bind(exchange, queueID string) bool {
	s := t.set(exchange, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[queueID]; ok {
		return false
	}
	s.queues[queueID] = struct{}{}
	return true
}

// Unbind removes the relation. It reports whether a binding was removed.
func (t *BindingTable) Unbind(exchange, queueID string) bool {
	s := t.set(exchange, false)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[queueID]; !ok {
		return false
	}
	delete(s.queues, queueID)
	return true
}

// BoundQueues returns a sorted snapshot of the queues bound to exchange.
func (t *BindingTable) BoundQueues(exchange string) []string {
	s := t.set(exchange, false)
	if s == nil {
		return nil
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.queues))
	for id := range s.queues {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// RemoveQueue purges every binding that references queueID and returns the
// exchanges it was bound to.
func (t *BindingTable) RemoveQueue(queueID string) []string {
	t.mu.RLock()
	names := make([]string, 0, len(t.sets))
	sets := make([]*bindingSet, 0, len(t.sets))
	for name, s := range t.sets {
		names = append(names, name)
		sets = append(sets, s)
	}
	t.mu.RUnlock()

	var removed []string
	for i, s := range sets {
		s.mu.Lock()
		if _, ok := s.queues[queueID]; ok {
			delete(s.queues, queueID)
			removed = append(removed, names[i])
		}
		s.mu.Unlock()
	}
	sort.Strings(removed)
	return removed
}

// RemoveExchange drops every binding of exchange.
func (t *BindingTable) RemoveExchange(exchange string) {
	t.mu.Lock()
	delete(t.sets, exchange)
	t.mu.Unlock()
}

// Exchanges returns the exchange names that have (or had) bindings.
func (t *BindingTable) Exchanges() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.sets))
	for name := range t.sets {
		out = append(out, name)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the total number of bindings.
func (t *BindingTable) Len() int {
	t.mu.RLock()
	sets := make([]*bindingSet, 0, len(t.sets))
	for _, s := range t.sets {
		sets = append(sets, s)
	}
	t.mu.RUnlock()

	n := 0
	for _, s := range sets {
		s.mu.RLock()
		n += len(s.queues)
		s.mu.RUnlock()
	}
	return n
}
