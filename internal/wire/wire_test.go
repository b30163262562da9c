package wire

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"fanoutmq/internal/broker"
	logx "fanoutmq/pkg/logx"
)

const waitTimeout = 2 * time.Second

type harness struct {
	b   *broker.Broker
	srv *Server
	ctx context.Context
}

func newHarness(t *testing.T, cfg broker.Config) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b := broker.New(cfg, logx.Nop(), nil)
	h := &harness{b: b, srv: NewServer(b, ServerConfig{}, logx.Nop()), ctx: ctx}
	t.Cleanup(func() {
		cancel()
		h.srv.closeAll()
		_ = b.Shutdown(context.Background())
	})
	return h
}

// pipe starts a server connection and returns the raw client end.
func (h *harness) pipe() net.Conn {
	cli, srv := net.Pipe()
	h.srv.wg.Add(1)
	go func() {
		defer h.srv.wg.Done()
		h.srv.ServeConn(h.ctx, srv)
	}()
	return cli
}

func (h *harness) client(t *testing.T, name string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	c, err := NewClient(ctx, h.pipe(), name, logx.Nop())
	if err != nil {
		t.Fatalf("NewClient(%s): %v", name, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

func subscribeRemote(t *testing.T, c *Client, exchange string) <-chan broker.Message {
	t.Helper()
	ctx := ctxT(t)
	if err := c.DeclareExchange(ctx, exchange, broker.KindFanout); err != nil {
		t.Fatalf("DeclareExchange: %v", err)
	}
	q, err := c.DeclareQueue(ctx, "")
	if err != nil {
		t.Fatalf("DeclareQueue: %v", err)
	}
	if !strings.HasPrefix(q, broker.GeneratedQueuePrefix) {
		t.Fatalf("queue = %q", q)
	}
	if err := c.Bind(ctx, q, exchange); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	ch := make(chan broker.Message, 64)
	if err := c.Consume(ctx, q, func(m broker.Message) { ch <- m }); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	return ch
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRemoteChatScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t, broker.Config{})
	alice := h.client(t, "alice")
	bob := h.client(t, "bob")
	aliceCh := subscribeRemote(t, alice, "chat")
	bobCh := subscribeRemote(t, bob, "chat")

	n, err := alice.Publish(ctxT(t), "chat", []byte("alice: hi"))
	if err != nil || n != 2 {
		t.Fatalf("Publish = %d, %v", n, err)
	}
	for _, ch := range []<-chan broker.Message{aliceCh, bobCh} {
		select {
		case m := <-ch:
			if string(m.Body) != "alice: hi" || m.Publisher != "alice" || m.Exchange != "chat" {
				t.Fatalf("message = %+v", m)
			}
			if m.PublishedAt.IsZero() {
				t.Fatal("missing timestamp")
			}
		case <-time.After(waitTimeout):
			t.Fatal("no delivery")
		}
	}

	if err := bob.Disconnect(ctxT(t)); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	waitFor(t, "bob's session to close", func() bool { return h.b.Stats().Sessions == 1 })

	n, err = alice.Publish(ctxT(t), "chat", []byte("alice: yo"))
	if err != nil || n != 1 {
		t.Fatalf("Publish after disconnect = %d, %v", n, err)
	}
}

func TestRemoteErrorsMatchSentinels(t *testing.T) {
	t.Parallel()
	h := newHarness(t, broker.Config{})
	c := h.client(t, "c")
	ctx := ctxT(t)

	if _, err := c.Publish(ctx, "nope", []byte("x")); !errors.Is(err, broker.ErrUnknownExchange) {
		t.Fatalf("publish: %v", err)
	}
	_ = c.DeclareExchange(ctx, "chat", broker.KindFanout)
	if err := c.DeclareExchange(ctx, "chat", "topic"); !errors.Is(err, broker.ErrExchangeKindMismatch) {
		t.Fatalf("mismatch: %v", err)
	}
	if err := c.Bind(ctx, "ghost", "chat"); !errors.Is(err, broker.ErrUnknownQueue) {
		t.Fatalf("bind: %v", err)
	}
	var rerr *broker.RemoteError
	err := c.Cancel(ctx)
	if !errors.As(err, &rerr) || rerr.Code != "invalid_state" {
		t.Fatalf("cancel: %v", err)
	}
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestRemoteOwnershipAcrossConnections(t *testing.T) {
	t.Parallel()
	h := newHarness(t, broker.Config{})
	owner := h.client(t, "owner")
	other := h.client(t, "other")
	ctx := ctxT(t)

	q, err := owner.DeclareQueue(ctx, "inbox")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.DeclareQueue(ctx, q); !errors.Is(err, broker.ErrQueueNotOwned) {
		t.Fatalf("declare: %v", err)
	}
	if err := other.Consume(ctx, q, func(broker.Message) {}); !errors.Is(err, broker.ErrQueueNotOwned) {
		t.Fatalf("consume: %v", err)
	}
}

func TestRemoteQueueFullReportsCount(t *testing.T) {
	t.Parallel()
	h := newHarness(t, broker.Config{QueueCapacity: 1})
	sub := h.client(t, "sub")
	ctx := ctxT(t)
	_ = sub.DeclareExchange(ctx, "chat", broker.KindFanout)
	q, _ := sub.DeclareQueue(ctx, "")
	_ = sub.Bind(ctx, q, "chat")

	pub := h.client(t, "pub")
	if n, err := pub.Publish(ctx, "chat", []byte("1")); n != 1 || err != nil {
		t.Fatalf("first = %d, %v", n, err)
	}
	n, err := pub.Publish(ctx, "chat", []byte("2"))
	if n != 0 || !errors.Is(err, broker.ErrQueueFull) {
		t.Fatalf("second = %d, %v", n, err)
	}
}

func TestTransportFailureForcesDisconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, broker.Config{})
	c := h.client(t, "flaky")
	subscribeRemote(t, c, "chat")
	if st := h.b.Stats(); st.Sessions != 1 || st.Bindings != 1 {
		t.Fatalf("stats = %+v", st)
	}

	// Drop the stream without a disconnect request.
	_ = c.nc.Close()

	waitFor(t, "forced disconnect", func() bool {
		st := h.b.Stats()
		return st.Sessions == 0 && st.Queues == 0 && st.Bindings == 0
	})
	if err := h.b.Verify(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("client not closed")
	}
	if !errors.Is(c.Err(), ErrClosed) {
		t.Fatalf("client err = %v", c.Err())
	}
}

func TestRequestBeforeOpenRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, broker.Config{})
	nc := h.pipe()
	defer nc.Close()
	cd := newCodec(nc, 0)

	go func() { _ = cd.write(Frame{ID: 7, Op: OpPublish, Exchange: "chat"}) }()
	f, err := cd.read()
	if err != nil {
		t.Fatal(err)
	}
	if f.ID != 7 || f.OK || f.Code != "invalid_state" {
		t.Fatalf("reply = %+v", f)
	}
}

func TestOpenRefusedClosesConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t, broker.Config{MaxSessions: 1})
	h.client(t, "first")

	ctx := ctxT(t)
	_, err := NewClient(ctx, h.pipe(), "second", logx.Nop())
	if !errors.Is(err, broker.ErrConnectionRefused) {
		t.Fatalf("err = %v", err)
	}
}

func TestHandlerMayCallClient(t *testing.T) {
	t.Parallel()
	h := newHarness(t, broker.Config{})
	c := h.client(t, "echo")
	ctx := ctxT(t)
	_ = c.DeclareExchange(ctx, "in", broker.KindFanout)
	_ = c.DeclareExchange(ctx, "out", broker.KindFanout)
	q, _ := c.DeclareQueue(ctx, "")
	_ = c.Bind(ctx, q, "in")
	published := make(chan error, 1)
	_ = c.Consume(ctx, q, func(m broker.Message) {
		_, err := c.Publish(context.Background(), "out", m.Body)
		published <- err
	})

	pub := h.client(t, "pub")
	_, _ = pub.Publish(ctx, "in", []byte("ping"))
	select {
	case err := <-published:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("handler deadlocked")
	}
}

func TestCodecLimitsFrameSize(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	buf.WriteString(`{"op":"ping","name":"` + strings.Repeat("x", 100) + "\"}\n")
	cd := newCodec(&rw{r: &buf}, 64)
	if _, err := cd.read(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v", err)
	}

	buf.Reset()
	buf.WriteString("\n\n{\"op\":\"ping\",\"id\":3}\n{\"op\":")
	cd = newCodec(&rw{r: &buf}, 0)
	f, err := cd.read()
	if err != nil || f.ID != 3 || f.Op != OpPing {
		t.Fatalf("frame = %+v, %v", f, err)
	}
	if _, err := cd.read(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("partial frame err = %v", err)
	}
}

func TestServeOverTCP(t *testing.T) {
	t.Parallel()
	b := broker.New(broker.Config{}, logx.Nop(), nil)
	srv := NewServer(b, ServerConfig{IdleTimeout: time.Minute}, logx.Nop())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	c, err := Dial(ctxT(t), ln.Addr().String(), "tcp-user", logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if c.SessionID() == "" {
		t.Fatal("no session id")
	}
	if err := c.Ping(ctxT(t)); err != nil {
		t.Fatal(err)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Serve did not return")
	}
	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("client not closed on server shutdown")
	}
	if srv.Accepted() != 1 {
		t.Fatalf("accepted = %d", srv.Accepted())
	}
}

type rw struct {
	r io.Reader
	w bytes.Buffer
}

func (x *rw) Read(p []byte) (int, error)  { return x.r.Read(p) }
func (x *rw) Write(p []byte) (int, error) { return x.w.Write(p) }

func TestIdleTimeoutSparesConsumingClient(t *testing.T) {
	t.Parallel()
	h := newHarness(t, broker.Config{})
	h.srv.Apply(ServerConfig{IdleTimeout: 200 * time.Millisecond})

	bob := h.client(t, "bob")
	got := subscribeRemote(t, bob, "chat")

	// bob sends nothing for several idle periods.
	time.Sleep(600 * time.Millisecond)
	select {
	case <-bob.Done():
		t.Fatalf("consuming client dropped: %v", bob.Err())
	default:
	}

	alice := h.client(t, "alice")
	n, err := alice.Publish(ctxT(t), "chat", []byte("still there?"))
	if err != nil || n != 1 {
		t.Fatalf("Publish = %d, %v", n, err)
	}
	select {
	case m := <-got:
		if string(m.Body) != "still there?" {
			t.Fatalf("body = %q", m.Body)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no delivery")
	}
}

func TestOpenReplyAdvertisesIdleTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, broker.Config{})
	h.srv.Apply(ServerConfig{IdleTimeout: 1500 * time.Millisecond})

	cli := h.pipe()
	t.Cleanup(func() { _ = cli.Close() })
	cd := newCodec(cli, 0)
	if err := cd.write(Frame{ID: 1, Op: OpOpen, Name: "raw"}); err != nil {
		t.Fatal(err)
	}
	f, err := cd.read()
	if err != nil {
		t.Fatal(err)
	}
	if !f.OK || f.IdleMS != 1500 {
		t.Fatalf("open reply = %+v", f)
	}
}
