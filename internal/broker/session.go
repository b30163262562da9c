package broker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "fanoutmq/pkg/logx"
)

// State is a session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateConsuming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateConsuming:
		return "consuming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SessionInfo identifies the client behind a session.
type SessionInfo struct {
	// Name is the publisher identity stamped on messages. Defaults to the session id.
	Name   string
	Remote string
}

// Session is one client's connection-scoped state.
//
// A session owns at most one exclusive queue. Its methods are safe for
// concurrent use; topology operations of one session are serialized.
type Session struct {
	id          string
	info        SessionInfo
	broker      *Broker
	log         logx.Logger
	connectedAt time.Time

	state atomic.Int32

	mu        sync.Mutex
	queue     *Queue
	exchanges map[string]struct{}
	cancel    context.CancelFunc
	loopDone  chan struct{}
	cause     error
	done      chan struct{}
}

func newSession(b *Broker, id string, info SessionInfo) *Session {
	if info.Name == "" {
		info.Name = id
	}
	s := &Session{
		id:          id,
		info:        info,
		broker:      b,
		log:         b.log.With(logx.String("session", id)),
		connectedAt: time.Now(),
		exchanges:   map[string]struct{}{},
		done:        make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) ID() string            { return s.id }
func (s *Session) Info() SessionInfo     { return s.info }
func (s *Session) State() State          { return State(s.state.Load()) }
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the cause of a forced disconnect, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// QueueID returns the id of the session's exclusive queue ("" if none).
func (s *Session) QueueID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return ""
	}
	return s.queue.ID()
}

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

func (s *Session) connect() {
	s.setState(StateReady)
}

// requireOpenLocked checks the session may run topology operations.
func (s *Session) requireOpenLocked(op string) error {
	switch st := s.State(); st {
	case StateReady, StateConsuming:
		return nil
	default:
		return fmt.Errorf("%s in state %s: %w", op, st, ErrInvalidState)
	}
}

func (s *Session) DeclareExchange(name string, kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpenLocked("declare exchange"); err != nil {
		return err
	}
	if err := s.broker.declareExchange(s, name, kind); err != nil {
		return err
	}
	s.exchanges[name] = struct{}{}
	return nil
}

// DeclareQueue declares the session's exclusive queue. An empty name asks the
// broker to generate one. Redeclaring the session's own queue is a no-op.
func (s *Session) DeclareQueue(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpenLocked("declare queue"); err != nil {
		return "", err
	}
	if s.queue != nil {
		if name == "" || name == s.queue.ID() {
			return s.queue.ID(), nil
		}
		return "", fmt.Errorf("session already owns queue %q: %w", s.queue.ID(), ErrInvalidState)
	}
	q, err := s.broker.declareQueue(s, name)
	if err != nil {
		return "", err
	}
	s.queue = q
	return q.ID(), nil
}

func (s *Session) Bind(queueID, exchange string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpenLocked("bind"); err != nil {
		return err
	}
	return s.broker.bind(s, queueID, exchange)
}

func (s *Session) Unbind(queueID, exchange string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpenLocked("unbind"); err != nil {
		return err
	}
	return s.broker.unbind(s, queueID, exchange)
}

// Publish routes body to the exchange. Valid in any state but Closed.
func (s *Session) Publish(exchange string, body []byte) (int, error) {
	if st := s.State(); st == StateClosed {
		return 0, fmt.Errorf("publish in state %s: %w", st, ErrInvalidState)
	}
	n, err := s.broker.publish(s, exchange, body)
	if err == nil || !errors.Is(err, ErrUnknownExchange) {
		s.mu.Lock()
		s.exchanges[exchange] = struct{}{}
		s.mu.Unlock()
	}
	return n, err
}

// StartConsuming spawns the delivery loop for the session's exclusive queue.
// h runs on the loop goroutine, once per message, in queue order.
func (s *Session) StartConsuming(queueID string, h Handler) error {
	if h == nil {
		return errors.New("nil handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.State(); st != StateReady {
		return fmt.Errorf("consume in state %s: %w", st, ErrInvalidState)
	}
	if s.queue == nil || s.queue.ID() != queueID {
		if !s.broker.hasQueue(queueID) {
			return fmt.Errorf("queue %q: %w", queueID, ErrUnknownQueue)
		}
		return fmt.Errorf("queue %q: %w", queueID, ErrQueueNotOwned)
	}
	q := s.queue
	if !q.acquire() {
		return fmt.Errorf("queue %q already has a consumer: %w", queueID, ErrQueueNotOwned)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.loopDone = done
	s.setState(StateConsuming)

	go s.deliveryLoop(ctx, q, h, done)
	s.log.Debug("consumer started", logx.String("queue", queueID))
	return nil
}

func (s *Session) deliveryLoop(ctx context.Context, q *Queue, h Handler, done chan struct{}) {
	defer close(done)
	defer q.release()
	for {
		m, err := q.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			s.log.Warn("dequeue failed", logx.String("queue", q.ID()), logx.Err(err))
			return
		}
		s.invoke(h, m)
	}
}

func (s *Session) invoke(h Handler, m Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in message handler", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	h(m)
}

// CancelConsume stops the delivery loop (Consuming -> Ready) and waits for it
// to exit. It must not be called from the handler itself.
func (s *Session) CancelConsume() error {
	s.mu.Lock()
	if st := s.State(); st != StateConsuming || s.cancel == nil {
		s.mu.Unlock()
		return fmt.Errorf("cancel in state %s: %w", st, ErrInvalidState)
	}
	cancel, done := s.cancel, s.loopDone
	s.cancel, s.loopDone = nil, nil
	s.mu.Unlock()

	cancel()
	<-done

	// Stay Consuming until the loop released the queue, so a new consumer can claim it.
	s.mu.Lock()
	if s.State() == StateConsuming {
		s.setState(StateReady)
	}
	s.mu.Unlock()
	s.log.Debug("consumer cancelled")
	return nil
}

// Disconnect closes the session: its exclusive queue is closed (waking the
// delivery loop) and removed from every binding. Idempotent.
func (s *Session) Disconnect() {
	s.close(nil)
}

// Fail force-disconnects the session after a transport failure.
func (s *Session) Fail(cause error) {
	s.close(cause)
}

func (s *Session) close(cause error) {
	s.mu.Lock()
	if s.State() == StateClosed {
		s.mu.Unlock()
		return
	}
	s.setState(StateClosed)
	s.cause = cause
	q := s.queue
	s.queue = nil
	cancel := s.cancel
	s.cancel, s.loopDone = nil, nil
	close(s.done)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if q != nil {
		s.broker.deleteQueue(s, q)
	}
	s.broker.removeSession(s, cause)
}

// SessionSnapshot is a point-in-time view of a session.
type SessionSnapshot struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Remote      string    `json:"remote,omitempty"`
	State       string    `json:"state"`
	Queue       string    `json:"queue,omitempty"`
	Exchanges   []string  `json:"exchanges,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

func (s *Session) snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := SessionSnapshot{
		ID:          s.id,
		Name:        s.info.Name,
		Remote:      s.info.Remote,
		State:       s.State().String(),
		ConnectedAt: s.connectedAt,
	}
	if s.queue != nil {
		snap.Queue = s.queue.ID()
	}
	for name := range s.exchanges {
		snap.Exchanges = append(snap.Exchanges, name)
	}
	sort.Strings(snap.Exchanges)
	return snap
}
