// Package chat is a group chat client on top of a fanout exchange: every
// participant binds a private broker-named queue to the shared exchange and
// publishes "<username>: <text>".
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"fanoutmq/internal/broker"
)

const (
	DefaultExchange = "chat"
	DefaultUsername = "Anonymous"
)

var ErrNotConnected = errors.New("please connect first")

// Conn is a broker session as seen by a chat client. *wire.Client implements it.
type Conn interface {
	DeclareExchange(ctx context.Context, name string, kind broker.Kind) error
	DeclareQueue(ctx context.Context, name string) (string, error)
	Bind(ctx context.Context, queue, exchange string) error
	Publish(ctx context.Context, exchange string, body []byte) (int, error)
	Consume(ctx context.Context, queue string, h broker.Handler) error
	Disconnect(ctx context.Context) error
	// Done is closed when the session ends, for whatever reason.
	Done() <-chan struct{}
}

// Dialer opens a Conn for username.
type Dialer func(ctx context.Context, username string) (Conn, error)

// Client is one chat participant.
type Client struct {
	Username string
	Exchange string

	dial Dialer

	mu        sync.Mutex
	conn      Conn
	queue     string
	listening bool
}

func New(username string, dial Dialer) *Client {
	return &Client{Username: username, Exchange: DefaultExchange, dial: dial}
}

func (c *Client) username() string {
	if u := strings.TrimSpace(c.Username); u != "" {
		return u
	}
	return DefaultUsername
}

func (c *Client) exchange() string {
	if e := strings.TrimSpace(c.Exchange); e != "" {
		return e
	}
	return DefaultExchange
}

// Connect opens the session, declares the fanout exchange and binds a
// broker-named exclusive queue to it. Calling it while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	if c.dial == nil {
		return errors.New("chat: no dialer")
	}

	conn, err := c.dial(ctx, c.username())
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	ex := c.exchange()
	queue, err := setup(ctx, conn, ex)
	if err != nil {
		_ = conn.Disconnect(context.WithoutCancel(ctx))
		return err
	}
	c.conn, c.queue = conn, queue
	return nil
}

func setup(ctx context.Context, conn Conn, exchange string) (string, error) {
	if err := conn.DeclareExchange(ctx, exchange, broker.KindFanout); err != nil {
		return "", fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	queue, err := conn.DeclareQueue(ctx, "")
	if err != nil {
		return "", fmt.Errorf("declare queue: %w", err)
	}
	if err := conn.Bind(ctx, queue, exchange); err != nil {
		return "", fmt.Errorf("bind: %w", err)
	}
	return queue, nil
}

// Connected reports whether Connect succeeded and Disconnect was not called.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Done is closed when the underlying session ends, including when the broker
// or the network drops it. It is nil while not connected.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Done()
}

// Send publishes "<username>: <text>" to the chat exchange.
func (c *Client) Send(ctx context.Context, text string) error {
	return c.Relay(ctx, c.username(), text)
}

// Relay publishes a line on behalf of another participant, as bridges do.
func (c *Client) Relay(ctx context.Context, from, text string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	_, err := conn.Publish(ctx, c.exchange(), []byte(Format(from, text)))
	// Some participants missing a line is not a send failure.
	if errors.Is(err, broker.ErrQueueFull) {
		return nil
	}
	return err
}

// Listen starts delivering every chat line (including our own) to onMessage.
func (c *Client) Listen(ctx context.Context, onMessage func(string)) error {
	return c.ListenMessages(ctx, func(m broker.Message) { onMessage(string(m.Body)) })
}

// ListenMessages is Listen with the full delivered message.
func (c *Client) ListenMessages(ctx context.Context, h broker.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if c.listening {
		return fmt.Errorf("already listening: %w", broker.ErrInvalidState)
	}
	if err := c.conn.Consume(ctx, c.queue, h); err != nil {
		return err
	}
	c.listening = true
	return nil
}

// Disconnect closes the session; the broker drops the queue and its binding.
// Idempotent.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn, c.queue, c.listening = nil, "", false
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Disconnect(ctx)
}

// Format renders a chat line.
func Format(username, text string) string {
	return username + ": " + text
}

// Split is the inverse of Format. ok is false for lines without a sender.
func Split(line string) (username, text string, ok bool) {
	return strings.Cut(line, ": ")
}
