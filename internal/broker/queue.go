package broker

import (
	"context"
	"sync"
	"sync/atomic"
)

// Queue is an ordered mailbox of pending messages for one subscriber.
//
// Capacity 0 means unbounded. When bounded and full, Enqueue drops the newest
// message and returns ErrQueueFull.
type Queue struct {
	id        string
	exclusive bool
	capacity  int

	mu      sync.Mutex
	items   []Message
	head    int
	closed  bool
	waiting bool
	// notify is closed (and replaced) to wake blocked Dequeue callers.
	notify chan struct{}

	consumer atomic.Bool

	enqueued  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// QueueStats is a point-in-time view of a queue's counters.
type QueueStats struct {
	Depth     int    `json:"depth"`
	Enqueued  uint64 `json:"enqueued"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

func NewQueue(id string, capacity int, exclusive bool) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		id:        id,
		exclusive: exclusive,
		capacity:  capacity,
		notify:    make(chan struct{}),
	}
}

func (q *Queue) ID() string      { return q.id }
func (q *Queue) Exclusive() bool { return q.exclusive }
func (q *Queue) Capacity() int   { return q.capacity }

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Depth:     q.Len(),
		Enqueued:  q.enqueued.Load(),
		Delivered: q.delivered.Load(),
		Dropped:   q.dropped.Load(),
	}
}

// Enqueue appends m to the tail.
func (q *Queue) Enqueue(m Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.capacity > 0 && len(q.items)-q.head >= q.capacity {
		q.dropped.Add(1)
		return ErrQueueFull
	}
	q.items = append(q.items, m)
	q.enqueued.Add(1)
	if q.waiting {
		q.waiting = false
		close(q.notify)
		q.notify = make(chan struct{})
	}
	return nil
}

// TryDequeue pops the head without blocking.
func (q *Queue) TryDequeue() (Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Message{}, ErrQueueClosed
	}
	m, ok := q.popLocked()
	if !ok {
		return Message{}, ErrQueueEmpty
	}
	return m, nil
}

// Dequeue pops the head, blocking until a message arrives, the queue is
// closed (ErrQueueClosed) or ctx is done (ctx.Err()).
func (q *Queue) Dequeue(ctx context.Context) (Message, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Message{}, ErrQueueClosed
		}
		if m, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return m, nil
		}
		q.waiting = true
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

func (q *Queue) popLocked() (Message, bool) {
	if q.head >= len(q.items) {
		return Message{}, false
	}
	m := q.items[q.head]
	q.items[q.head] = Message{}
	q.head++
	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= 64 && q.head*2 >= len(q.items):
		// Compact so a long-lived queue doesn't keep a growing dead prefix.
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	q.delivered.Add(1)
	return m, true
}

// Close marks the queue terminal and wakes every blocked consumer.
// Pending messages are discarded. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.head = 0
	close(q.notify)
}

// acquire claims the single consumer slot.
func (q *Queue) acquire() bool { return q.consumer.CompareAndSwap(false, true) }

func (q *Queue) release() { q.consumer.Store(false) }

func (q *Queue) consuming() bool { return q.consumer.Load() }
