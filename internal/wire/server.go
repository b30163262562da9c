package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"fanoutmq/internal/broker"
	logx "fanoutmq/pkg/logx"
)

// ServerConfig tunes per-connection behavior.
type ServerConfig struct {
	// IdleTimeout closes connections that send nothing for this long. 0 disables it.
	// It is advertised on the open reply so clients can keep the connection alive.
	IdleTimeout time.Duration
	MaxFrame    int
	// OutBuffer is the per-connection outbound frame buffer.
	OutBuffer int
}

// Server runs one broker session per accepted connection.
type Server struct {
	b   *broker.Broker
	log logx.Logger
	cfg atomic.Pointer[ServerConfig]

	mu    sync.Mutex
	conns map[*serverConn]struct{}
	wg    sync.WaitGroup

	accepted atomic.Uint64
}

func NewServer(b *broker.Broker, cfg ServerConfig, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{b: b, log: log, conns: map[*serverConn]struct{}{}}
	s.Apply(cfg)
	return s
}

// Apply updates the config used by connections accepted afterwards.
func (s *Server) Apply(cfg ServerConfig) {
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = DefaultMaxFrame
	}
	if cfg.OutBuffer <= 0 {
		cfg.OutBuffer = 64
	}
	s.cfg.Store(&cfg)
}

// Serve accepts connections until ctx is done or ln fails permanently.
// Open connections are closed when Serve returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.closeAll()

	s.log.Info("accepting connections", logx.String("addr", ln.Addr().String()))
	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.log.Warn("accept failed; retrying", logx.Err(err), logx.Duration("backoff", backoff))
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoff):
				}
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0
		s.accepted.Add(1)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, nc)
		}()
	}
}

// ServeConn runs the protocol on nc until the client disconnects or the
// stream fails. It closes nc.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	cfg := *s.cfg.Load()
	c := &serverConn{
		srv:   s,
		nc:    nc,
		cfg:   cfg,
		codec: newCodec(nc, cfg.MaxFrame),
		out:   make(chan outFrame, cfg.OutBuffer),
		quit:  make(chan struct{}),
		log:   s.log.With(logx.String("remote", remoteAddr(nc))),
	}
	if !s.track(c) {
		_ = nc.Close()
		return
	}
	defer s.untrack(c)
	c.run(ctx)
}

func (s *Server) track(c *serverConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *serverConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.shutdown(nil)
	}
	s.wg.Wait()
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) Accepted() uint64 { return s.accepted.Load() }

func remoteAddr(nc net.Conn) string {
	if a := nc.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

type serverConn struct {
	srv   *Server
	nc    net.Conn
	cfg   ServerConfig
	codec *codec
	log   logx.Logger

	// out feeds the writer goroutine; replies and deliveries share it.
	out  chan outFrame
	quit chan struct{}
	once sync.Once

	mu     sync.Mutex
	sess   *broker.Session
	closed bool
}

type outFrame struct {
	f Frame
	// written, if set, is closed once f has been written (or dropped).
	written chan struct{}
}

func (c *serverConn) run(ctx context.Context) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	err := c.readLoop(ctx)
	c.shutdown(err)
	<-writerDone
}

// shutdown ends the session (forced when cause is a transport error) and
// closes the stream. Idempotent.
func (c *serverConn) shutdown(cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		sess := c.sess
		c.mu.Unlock()
		if sess != nil {
			if cause != nil {
				sess.Fail(cause)
			} else {
				sess.Disconnect()
			}
		}
		close(c.quit)
		_ = c.nc.Close()
		if cause != nil {
			c.log.Info("connection closed", logx.Err(cause))
		} else {
			c.log.Debug("connection closed")
		}
	})
}

func (c *serverConn) writeLoop() {
	for {
		select {
		case <-c.quit:
			return
		case of := <-c.out:
			err := c.codec.write(of.f)
			if of.written != nil {
				close(of.written)
			}
			if err != nil {
				c.shutdown(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

// send queues f for the writer. It reports false once the connection is closing.
func (c *serverConn) send(f Frame) bool {
	select {
	case c.out <- outFrame{f: f}:
		return true
	case <-c.quit:
		return false
	}
}

// sendSync queues f and waits until the writer has written it.
func (c *serverConn) sendSync(f Frame) {
	of := outFrame{f: f, written: make(chan struct{})}
	select {
	case c.out <- of:
	case <-c.quit:
		return
	}
	select {
	case <-of.written:
	case <-c.quit:
	case <-time.After(time.Second):
	}
}

func (c *serverConn) session() *broker.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// attach binds sess to the connection unless it is already closing.
func (c *serverConn) attach(sess *broker.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.sess = sess
	return true
}

func (c *serverConn) readLoop(ctx context.Context) error {
	for {
		if c.cfg.IdleTimeout > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		}
		f, err := c.codec.read()
		if err != nil {
			select {
			case <-c.quit:
				// closed locally (disconnect op or server shutdown)
				return nil
			default:
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("client hung up: %w", err)
			}
			return fmt.Errorf("read: %w", err)
		}
		if done := c.handle(ctx, f); done {
			return nil
		}
	}
}

// handle executes one request. It reports true when the connection should close.
func (c *serverConn) handle(ctx context.Context, f Frame) bool {
	sess := c.session()
	if sess == nil && f.Op != OpOpen && f.Op != OpPing {
		c.send(reply(f.ID, fmt.Errorf("%s before open: %w", f.Op, broker.ErrInvalidState)))
		return false
	}

	switch f.Op {
	case OpOpen:
		if sess != nil {
			c.send(reply(f.ID, fmt.Errorf("session already open: %w", broker.ErrInvalidState)))
			return false
		}
		sess, err := c.srv.b.NewSession(ctx, broker.SessionInfo{Name: f.Name, Remote: remoteAddr(c.nc)})
		if err != nil {
			c.log.Info("session refused", logx.Err(err))
			c.sendSync(reply(f.ID, err))
			return true
		}
		if !c.attach(sess) {
			sess.Disconnect()
			return true
		}
		c.log.Debug("session attached", logx.String("session", sess.ID()), logx.String("name", f.Name))
		r := reply(f.ID, nil)
		r.Session = sess.ID()
		if c.cfg.IdleTimeout > 0 {
			r.IdleMS = c.cfg.IdleTimeout.Milliseconds()
		}
		c.send(r)

	case OpPing:
		c.send(reply(f.ID, nil))

	case OpDeclareExchange:
		c.send(reply(f.ID, sess.DeclareExchange(f.Exchange, broker.ParseKind(f.Kind))))

	case OpDeclareQueue:
		id, err := sess.DeclareQueue(f.Queue)
		r := reply(f.ID, err)
		r.Queue = id
		c.send(r)

	case OpBind:
		c.send(reply(f.ID, sess.Bind(f.Queue, f.Exchange)))

	case OpUnbind:
		c.send(reply(f.ID, sess.Unbind(f.Queue, f.Exchange)))

	case OpPublish:
		n, err := sess.Publish(f.Exchange, f.Body)
		r := reply(f.ID, err)
		r.Delivered = n
		c.send(r)

	case OpConsume:
		// Deliveries may reach the stream before this reply.
		err := sess.StartConsuming(f.Queue, func(m broker.Message) {
			c.send(deliverFrame(m))
		})
		c.send(reply(f.ID, err))

	case OpCancel:
		c.send(reply(f.ID, sess.CancelConsume()))

	case OpDisconnect:
		sess.Disconnect()
		c.sendSync(reply(f.ID, nil))
		return true

	default:
		c.send(reply(f.ID, fmt.Errorf("unknown op %q: %w", f.Op, broker.ErrInvalidState)))
	}
	return false
}
