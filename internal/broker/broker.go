package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"fanoutmq/internal/eventbus"
	logx "fanoutmq/pkg/logx"
)

// GeneratedQueuePrefix prefixes broker-named queues. Clients may not declare
// queues under it.
const GeneratedQueuePrefix = "amq.gen-"

// Config controls admission and queue limits. Zero values mean unlimited.
type Config struct {
	// MaxSessions caps concurrently open sessions.
	MaxSessions int
	// QueueCapacity bounds every newly declared queue (drop-newest on overflow).
	QueueCapacity int
	// AdmitRate is the sustained number of new sessions per second.
	AdmitRate  float64
	AdmitBurst int

	// OnFatal is called with a JSON topology dump when an internal invariant
	// is violated. Default: log the dump and panic.
	OnFatal func(err error, dump []byte)
}

// Stats are broker-wide counters.
type Stats struct {
	Sessions        int    `json:"sessions"`
	SessionsOpened  uint64 `json:"sessions_opened"`
	SessionsRefused uint64 `json:"sessions_refused"`
	Exchanges       int    `json:"exchanges"`
	Queues          int    `json:"queues"`
	Bindings        int    `json:"bindings"`
	Published       uint64 `json:"published"`
	PublishedBytes  uint64 `json:"published_bytes"`
	Delivered       uint64 `json:"delivered"`
	Dropped         uint64 `json:"dropped"`
}

// QueueInfo describes a live queue.
type QueueInfo struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	Exclusive bool   `json:"exclusive"`
	Capacity  int    `json:"capacity"`
	Consuming bool   `json:"consuming"`
	QueueStats
}

// Topology is a point-in-time view of the whole broker.
type Topology struct {
	Exchanges []ExchangeInfo    `json:"exchanges"`
	Queues    []QueueInfo       `json:"queues"`
	Sessions  []SessionSnapshot `json:"sessions"`
	Stats     Stats             `json:"stats"`
}

type queueEntry struct {
	q     *Queue
	owner *Session
}

// Broker owns exchanges, queues and sessions.
type Broker struct {
	log logx.Logger
	bus eventbus.Bus

	cfgMu   sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	router   *Router
	bindings *BindingTable

	// qmu serializes queue create/delete against bind, so a binding never
	// outlives its queue. Publish only takes it briefly to resolve ids.
	qmu    sync.RWMutex
	queues map[string]*queueEntry

	smu      sync.Mutex
	sessions map[string]*Session
	closed   bool

	opened    atomic.Uint64
	refused   atomic.Uint64
	published atomic.Uint64
	pubBytes  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Broker {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	b := &Broker{
		log:      log,
		bus:      bus,
		bindings: NewBindingTable(),
		queues:   map[string]*queueEntry{},
		sessions: map[string]*Session{},
	}
	b.router = NewRouter(b.bindings, b.resolveQueues)
	b.Apply(cfg)
	return b
}

// Apply swaps admission limits and the default queue capacity at runtime.
// Existing queues keep their capacity.
func (b *Broker) Apply(cfg Config) {
	var lim *rate.Limiter
	if cfg.AdmitRate > 0 {
		burst := cfg.AdmitBurst
		if burst <= 0 {
			burst = max(1, int(cfg.AdmitRate))
		}
		lim = rate.NewLimiter(rate.Limit(cfg.AdmitRate), burst)
	}
	b.cfgMu.Lock()
	b.cfg = cfg
	b.limiter = lim
	b.cfgMu.Unlock()
	b.log.Debug("broker config applied",
		logx.Int("max_sessions", cfg.MaxSessions),
		logx.Int("queue_capacity", cfg.QueueCapacity),
		logx.Any("admit_rate", cfg.AdmitRate),
	)
}

func (b *Broker) config() (Config, *rate.Limiter) {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return b.cfg, b.limiter
}

func (b *Broker) emit(typ string, kv ...string) {
	data := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		data[kv[i]] = kv[i+1]
	}
	b.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// NewSession admits a client and returns its session in the Ready state.
func (b *Broker) NewSession(ctx context.Context, info SessionInfo) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, lim := b.config()

	if lim != nil && !lim.Allow() {
		b.refused.Add(1)
		b.log.Warn("session refused", logx.String("reason", "admission rate"), logx.String("remote", info.Remote))
		return nil, fmt.Errorf("admission rate exceeded: %w", ErrConnectionRefused)
	}

	b.smu.Lock()
	if b.closed {
		b.smu.Unlock()
		b.refused.Add(1)
		return nil, fmt.Errorf("%w: %w", ErrConnectionRefused, ErrBrokerClosed)
	}
	if cfg.MaxSessions > 0 && len(b.sessions) >= cfg.MaxSessions {
		n := len(b.sessions)
		b.smu.Unlock()
		b.refused.Add(1)
		b.log.Warn("session refused", logx.String("reason", "max sessions"), logx.Int("sessions", n), logx.String("remote", info.Remote))
		return nil, fmt.Errorf("max sessions (%d) reached: %w", cfg.MaxSessions, ErrConnectionRefused)
	}
	s := newSession(b, uuid.NewString(), info)
	s.connect()
	b.sessions[s.id] = s
	b.smu.Unlock()

	b.opened.Add(1)
	b.emit(eventbus.SessionOpened, "session", s.id, "name", s.info.Name, "remote", info.Remote)
	b.log.Info("session opened", logx.String("session", s.id), logx.String("name", s.info.Name), logx.String("remote", info.Remote))
	return s, nil
}

func (b *Broker) removeSession(s *Session, cause error) {
	b.smu.Lock()
	delete(b.sessions, s.id)
	b.smu.Unlock()

	kv := []string{"session", s.id, "name", s.info.Name}
	if cause != nil {
		kv = append(kv, "cause", cause.Error())
		b.log.Warn("session closed", logx.String("session", s.id), logx.Err(cause))
	} else {
		b.log.Info("session closed", logx.String("session", s.id))
	}
	b.emit(eventbus.SessionClosed, kv...)
}

func (b *Broker) declareExchange(s *Session, name string, kind Kind) error {
	created, err := b.router.DeclareExchange(name, kind)
	if err != nil {
		return err
	}
	if created {
		b.emit(eventbus.ExchangeDeclared, "exchange", name, "kind", string(kind), "session", s.id)
		b.log.Info("exchange declared", logx.String("exchange", name), logx.String("kind", string(kind)))
	}
	return nil
}

// DeclareExchange declares an exchange outside any session (e.g. from config).
func (b *Broker) DeclareExchange(name string, kind Kind) error {
	created, err := b.router.DeclareExchange(name, kind)
	if err == nil && created {
		b.emit(eventbus.ExchangeDeclared, "exchange", name, "kind", string(kind))
		b.log.Info("exchange declared", logx.String("exchange", name), logx.String("kind", string(kind)))
	}
	return err
}

func (b *Broker) declareQueue(s *Session, name string) (*Queue, error) {
	if name == "" {
		name = GeneratedQueuePrefix + uuid.NewString()
	} else if strings.HasPrefix(name, "amq.") {
		return nil, fmt.Errorf("queue name %q uses reserved prefix: %w", name, ErrInvalidName)
	}
	cfg, _ := b.config()

	b.qmu.Lock()
	if e, ok := b.queues[name]; ok {
		b.qmu.Unlock()
		if e.owner == s {
			return e.q, nil
		}
		return nil, fmt.Errorf("queue %q: %w", name, ErrQueueNotOwned)
	}
	q := NewQueue(name, cfg.QueueCapacity, true)
	b.queues[name] = &queueEntry{q: q, owner: s}
	b.qmu.Unlock()

	b.emit(eventbus.QueueDeclared, "queue", name, "session", s.id)
	b.log.Debug("queue declared", logx.String("queue", name), logx.String("session", s.id), logx.Int("capacity", cfg.QueueCapacity))
	return q, nil
}

func (b *Broker) deleteQueue(s *Session, q *Queue) {
	b.qmu.Lock()
	if e, ok := b.queues[q.ID()]; ok && e.q == q {
		delete(b.queues, q.ID())
	}
	unbound := b.bindings.RemoveQueue(q.ID())
	b.qmu.Unlock()

	q.Close()
	for _, ex := range unbound {
		b.emit(eventbus.BindingRemoved, "exchange", ex, "queue", q.ID())
	}
	b.emit(eventbus.QueueDeleted, "queue", q.ID(), "session", s.id)
	b.log.Debug("queue deleted", logx.String("queue", q.ID()), logx.Any("unbound", unbound))
}

func (b *Broker) hasQueue(id string) bool {
	b.qmu.RLock()
	defer b.qmu.RUnlock()
	_, ok := b.queues[id]
	return ok
}

func (b *Broker) ownedQueueLocked(s *Session, queueID string) error {
	e, ok := b.queues[queueID]
	if !ok {
		return fmt.Errorf("queue %q: %w", queueID, ErrUnknownQueue)
	}
	if e.owner != s {
		return fmt.Errorf("queue %q: %w", queueID, ErrQueueNotOwned)
	}
	return nil
}

func (b *Broker) bind(s *Session, queueID, exchange string) error {
	if !b.router.HasExchange(exchange) {
		return fmt.Errorf("bind to exchange %q: %w", exchange, ErrUnknownExchange)
	}
	b.qmu.RLock()
	if err := b.ownedQueueLocked(s, queueID); err != nil {
		b.qmu.RUnlock()
		return err
	}
	added := b.bindings.Bind(exchange, queueID)
	b.qmu.RUnlock()

	if added {
		b.emit(eventbus.BindingAdded, "exchange", exchange, "queue", queueID)
		b.log.Debug("queue bound", logx.String("exchange", exchange), logx.String("queue", queueID))
	}
	return nil
}

func (b *Broker) unbind(s *Session, queueID, exchange string) error {
	b.qmu.RLock()
	if err := b.ownedQueueLocked(s, queueID); err != nil {
		b.qmu.RUnlock()
		return err
	}
	removed := b.bindings.Unbind(exchange, queueID)
	b.qmu.RUnlock()

	if removed {
		b.emit(eventbus.BindingRemoved, "exchange", exchange, "queue", queueID)
	}
	return nil
}

// resolveQueues maps ids to live queues (nil for ids no longer registered).
func (b *Broker) resolveQueues(ids []string) []*Queue {
	out := make([]*Queue, len(ids))
	b.qmu.RLock()
	for i, id := range ids {
		if e, ok := b.queues[id]; ok {
			out[i] = e.q
		}
	}
	b.qmu.RUnlock()
	return out
}

func (b *Broker) publish(s *Session, exchange string, body []byte) (int, error) {
	n, err := b.router.Publish(exchange, body, s.info.Name)
	if err != nil && errors.Is(err, ErrUnknownExchange) {
		return 0, err
	}
	b.published.Add(1)
	b.pubBytes.Add(uint64(len(body)))
	b.delivered.Add(uint64(n))

	var derr *DeliveryError
	if errors.As(err, &derr) {
		b.dropped.Add(uint64(len(derr.Failed)))
		for q := range derr.Failed {
			b.emit(eventbus.QueueOverflow, "exchange", exchange, "queue", q, "session", s.id)
		}
		b.log.Warn("message dropped by full queues",
			logx.String("exchange", exchange),
			logx.Int("failed", len(derr.Failed)),
			logx.Int("delivered", n),
		)
	}
	if b.log.Enabled(logx.LevelDebug) {
		b.log.Debug("published", logx.String("exchange", exchange), logx.String("session", s.id), logx.Int("bytes", len(body)), logx.Int("delivered", n))
	}
	return n, err
}

func (b *Broker) Stats() Stats {
	b.smu.Lock()
	sessions := len(b.sessions)
	b.smu.Unlock()
	b.qmu.RLock()
	queues := len(b.queues)
	b.qmu.RUnlock()

	return Stats{
		Sessions:        sessions,
		SessionsOpened:  b.opened.Load(),
		SessionsRefused: b.refused.Load(),
		Exchanges:       b.router.Len(),
		Queues:          queues,
		Bindings:        b.bindings.Len(),
		Published:       b.published.Load(),
		PublishedBytes:  b.pubBytes.Load(),
		Delivered:       b.delivered.Load(),
		Dropped:         b.dropped.Load(),
	}
}

func (b *Broker) sessionList() []*Session {
	b.smu.Lock()
	defer b.smu.Unlock()
	out := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	return out
}

// Snapshot returns the current topology. Intended for diagnostics.
func (b *Broker) Snapshot() Topology {
	t := Topology{Exchanges: b.router.Exchanges(), Stats: b.Stats()}

	b.qmu.RLock()
	for id, e := range b.queues {
		t.Queues = append(t.Queues, QueueInfo{
			ID:         id,
			Owner:      e.owner.id,
			Exclusive:  e.q.Exclusive(),
			Capacity:   e.q.Capacity(),
			Consuming:  e.q.consuming(),
			QueueStats: e.q.Stats(),
		})
	}
	b.qmu.RUnlock()
	sort.Slice(t.Queues, func(i, j int) bool { return t.Queues[i].ID < t.Queues[j].ID })

	for _, s := range b.sessionList() {
		t.Sessions = append(t.Sessions, s.snapshot())
	}
	sort.Slice(t.Sessions, func(i, j int) bool { return t.Sessions[i].ID < t.Sessions[j].ID })
	return t
}

// Verify checks topology invariants: every binding references a live
// exchange and a live queue.
func (b *Broker) Verify() error {
	b.qmu.RLock()
	defer b.qmu.RUnlock()
	for _, ex := range b.bindings.Exchanges() {
		ids := b.bindings.BoundQueues(ex)
		if len(ids) == 0 {
			continue
		}
		if !b.router.HasExchange(ex) {
			return fmt.Errorf("bindings reference undeclared exchange %q", ex)
		}
		for _, id := range ids {
			if _, ok := b.queues[id]; !ok {
				return fmt.Errorf("exchange %q bound to dead queue %q", ex, id)
			}
		}
	}
	return nil
}

// Abort reports an unrecoverable invariant violation with a topology dump.
func (b *Broker) Abort(err error) {
	dump, merr := json.Marshal(b.Snapshot())
	if merr != nil {
		dump = []byte(fmt.Sprintf("{\"dump_error\":%q}", merr.Error()))
	}
	cfg, _ := b.config()
	b.log.Error("broker invariant violated", logx.Err(err), logx.String("topology", string(dump)))
	if cfg.OnFatal != nil {
		cfg.OnFatal(err, dump)
		return
	}
	panic(fmt.Sprintf("broker invariant violated: %v", err))
}

// Shutdown disconnects every session and drops all exchanges. New sessions
// are refused afterwards.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.smu.Lock()
	b.closed = true
	b.smu.Unlock()

	for _, s := range b.sessionList() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.Disconnect()
	}
	b.router.reset()
	b.log.Info("broker shut down")
	return nil
}
