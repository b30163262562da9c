package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"fanoutmq/internal/broker"
	logx "fanoutmq/pkg/logx"
)

var ErrClosed = errors.New("connection closed")

// Client is a remote broker session. Methods are safe for concurrent use.
//
// Deliveries are buffered locally and handed to the consume handler on a
// dedicated goroutine, so a handler may call back into the client.
type Client struct {
	nc    net.Conn
	codec *codec
	log   logx.Logger

	session string
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Frame
	handler broker.Handler

	inbox *broker.Queue

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Dial connects to addr and opens a session named name.
func Dial(ctx context.Context, addr, name string, log logx.Logger) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(ctx, nc, name, log)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

// NewClient runs the protocol over an established stream and opens a session.
func NewClient(ctx context.Context, nc net.Conn, name string, log logx.Logger) (*Client, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		nc:      nc,
		codec:   newCodec(nc, DefaultMaxFrame),
		log:     log,
		pending: map[uint64]chan Frame{},
		inbox:   broker.NewQueue("inbox", 0, true),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.dispatch()

	r, err := c.call(ctx, Frame{Op: OpOpen, Name: name})
	if err != nil {
		c.fail(err)
		return nil, err
	}
	c.session = r.Session
	if r.IdleMS > 0 {
		go c.keepalive(time.Duration(r.IdleMS) * time.Millisecond / 3)
	}
	return c, nil
}

// keepalive pings at every interval so a server idle timeout does not drop a
// session that only consumes.
func (c *Client) keepalive(every time.Duration) {
	every = max(every, 10*time.Millisecond)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			err := c.Ping(ctx)
			cancel()
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				c.log.Debug("keepalive ping failed", logx.Err(err))
			}
		}
	}
}

// SessionID is the broker-assigned session id.
func (c *Client) SessionID() string { return c.session }

func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, once Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) fail(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.inbox.Close()
		_ = c.nc.Close()
	})
}

func (c *Client) readLoop() {
	for {
		f, err := c.codec.read()
		if err != nil {
			c.fail(fmt.Errorf("%w: %w", ErrClosed, err))
			return
		}
		switch f.Op {
		case OpReply:
			c.mu.Lock()
			ch := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		case OpDeliver:
			_ = c.inbox.Enqueue(f.message())
		default:
			c.log.Debug("unexpected frame", logx.String("op", f.Op))
		}
	}
}

func (c *Client) dispatch() {
	for {
		m, err := c.inbox.Dequeue(context.Background())
		if err != nil {
			return
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h == nil {
			continue
		}
		c.invoke(h, m)
	}
}

func (c *Client) invoke(h broker.Handler, m broker.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in message handler", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	h(m)
}

// call sends a request and waits for its reply. A failed reply is returned
// as an error matching the broker sentinel.
func (c *Client) call(ctx context.Context, f Frame) (Frame, error) {
	f.ID = c.nextID.Add(1)
	ch := make(chan Frame, 1)

	c.mu.Lock()
	c.pending[f.ID] = ch
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}

	select {
	case <-c.done:
		forget()
		return Frame{}, c.err
	default:
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = c.nc.SetWriteDeadline(dl)
		defer c.nc.SetWriteDeadline(time.Time{})
	}
	if err := c.codec.write(f); err != nil {
		forget()
		c.fail(fmt.Errorf("%w: write: %w", ErrClosed, err))
		return Frame{}, c.err
	}

	select {
	case r := <-ch:
		return r, r.err()
	case <-ctx.Done():
		forget()
		return Frame{}, ctx.Err()
	case <-c.done:
		// The reply is handed over before the reader gives up.
		select {
		case r := <-ch:
			return r, r.err()
		default:
		}
		forget()
		return Frame{}, c.err
	}
}

func (c *Client) DeclareExchange(ctx context.Context, name string, kind broker.Kind) error {
	_, err := c.call(ctx, Frame{Op: OpDeclareExchange, Exchange: name, Kind: string(kind)})
	return err
}

// DeclareQueue declares the session's exclusive queue; "" lets the broker name it.
func (c *Client) DeclareQueue(ctx context.Context, name string) (string, error) {
	r, err := c.call(ctx, Frame{Op: OpDeclareQueue, Queue: name})
	return r.Queue, err
}

func (c *Client) Bind(ctx context.Context, queue, exchange string) error {
	_, err := c.call(ctx, Frame{Op: OpBind, Queue: queue, Exchange: exchange})
	return err
}

func (c *Client) Unbind(ctx context.Context, queue, exchange string) error {
	_, err := c.call(ctx, Frame{Op: OpUnbind, Queue: queue, Exchange: exchange})
	return err
}

// Publish returns the number of queues that accepted the message. A partial
// overflow returns the count together with an error matching broker.ErrQueueFull.
func (c *Client) Publish(ctx context.Context, exchange string, body []byte) (int, error) {
	r, err := c.call(ctx, Frame{Op: OpPublish, Exchange: exchange, Body: body})
	return r.Delivered, err
}

// Consume starts deliveries from queue to h.
func (c *Client) Consume(ctx context.Context, queue string, h broker.Handler) error {
	if h == nil {
		return errors.New("nil handler")
	}
	c.mu.Lock()
	if c.handler != nil {
		c.mu.Unlock()
		return fmt.Errorf("already consuming: %w", broker.ErrInvalidState)
	}
	c.handler = h
	c.mu.Unlock()

	if _, err := c.call(ctx, Frame{Op: OpConsume, Queue: queue}); err != nil {
		c.mu.Lock()
		c.handler = nil
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) Cancel(ctx context.Context) error {
	if _, err := c.call(ctx, Frame{Op: OpCancel}); err != nil {
		return err
	}
	c.mu.Lock()
	c.handler = nil
	c.mu.Unlock()
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, Frame{Op: OpPing})
	return err
}

// Disconnect ends the session gracefully and closes the connection. Idempotent.
func (c *Client) Disconnect(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	_, err := c.call(ctx, Frame{Op: OpDisconnect})
	c.fail(ErrClosed)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Close drops the connection without a disconnect request.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return nil
}
