package broker

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ExchangeInfo describes a declared exchange.
type ExchangeInfo struct {
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Published uint64    `json:"published"`
	Bindings  []string  `json:"bindings"`
}

type exchange struct {
	name      string
	kind      Kind
	createdAt time.Time
	published atomic.Uint64
}

// Router owns the exchanges and fans published messages out to bound queues.
type Router struct {
	mu        sync.RWMutex
	exchanges map[string]*exchange

	bindings *BindingTable
	// resolve maps queue ids to live queues; missing ids resolve to nil.
	resolve func(ids []string) []*Queue

	seq atomic.Uint64
	now func() time.Time
}

func NewRouter(bindings *BindingTable, resolve func(ids []string) []*Queue) *Router {
	return &Router{
		exchanges: map[string]*exchange{},
		bindings:  bindings,
		resolve:   resolve,
		now:       time.Now,
	}
}

// DeclareExchange creates the exchange if absent. It reports whether it was created.
func (r *Router) DeclareExchange(name string, kind Kind) (bool, error) {
	if strings.TrimSpace(name) == "" {
		return false, fmt.Errorf("exchange name: %w", ErrInvalidName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ex, ok := r.exchanges[name]; ok {
		if ex.kind != kind {
			return false, fmt.Errorf("exchange %q is %s, not %s: %w", name, ex.kind, kind, ErrExchangeKindMismatch)
		}
		return false, nil
	}
	if kind != KindFanout {
		return false, fmt.Errorf("exchange %q kind %q: %w", name, kind, ErrUnsupportedKind)
	}
	r.exchanges[name] = &exchange{name: name, kind: kind, createdAt: r.now()}
	return true, nil
}

func (r *Router) HasExchange(name string) bool {
	r.mu.RLock()
	_, ok := r.exchanges[name]
	r.mu.RUnlock()
	return ok
}

// Len returns the number of declared exchanges.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.exchanges)
}

func (r *Router) lookup(name string) *exchange {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exchanges[name]
}

// Publish enqueues an independent copy of body into every queue bound to the
// exchange at call time and returns how many queues accepted it.
//
// Queues that reject the message with ErrQueueFull are reported through a
// *DeliveryError next to the count. Queues closed after the binding snapshot
// are skipped.
func (r *Router) Publish(exchangeName string, body []byte, publisher string) (int, error) {
	ex := r.lookup(exchangeName)
	if ex == nil {
		return 0, fmt.Errorf("exchange %q: %w", exchangeName, ErrUnknownExchange)
	}
	ex.published.Add(1)

	msg := Message{
		Exchange:    exchangeName,
		Publisher:   publisher,
		Body:        body,
		PublishedAt: r.now(),
		Seq:         r.seq.Add(1),
	}

	ids := r.bindings.BoundQueues(exchangeName)
	if len(ids) == 0 {
		return 0, nil
	}
	queues := r.resolve(ids)

	var (
		delivered int
		derr      *DeliveryError
	)
	for i, q := range queues {
		if q == nil {
			continue
		}
		err := q.Enqueue(msg.clone())
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrQueueClosed):
			// owner disconnected after the snapshot
		default:
			if derr == nil {
				derr = &DeliveryError{Exchange: exchangeName}
			}
			derr.add(ids[i], err)
		}
	}
	if derr != nil {
		return delivered, derr
	}
	return delivered, nil
}

// Exchanges returns a sorted snapshot of the declared exchanges with bindings.
func (r *Router) Exchanges() []ExchangeInfo {
	r.mu.RLock()
	out := make([]ExchangeInfo, 0, len(r.exchanges))
	for _, ex := range r.exchanges {
		out = append(out, ExchangeInfo{
			Name:      ex.name,
			Kind:      ex.kind,
			CreatedAt: ex.createdAt,
			Published: ex.published.Load(),
		})
	}
	r.mu.RUnlock()

	for i := range out {
		out[i].Bindings = r.bindings.BoundQueues(out[i].Name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// reset drops every exchange and its bindings.
func (r *Router) reset() {
	r.mu.Lock()
	names := make([]string, 0, len(r.exchanges))
	for name := range r.exchanges {
		names = append(names, name)
	}
	r.exchanges = map[string]*exchange{}
	r.mu.Unlock()

	for _, name := range names {
		r.bindings.RemoveExchange(name)
	}
}
