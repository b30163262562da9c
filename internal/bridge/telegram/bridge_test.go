package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"fanoutmq/internal/broker"
	"fanoutmq/internal/chat"
	logx "fanoutmq/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	to   []int64
	err  error
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, what.(string))
	if c, ok := to.(*tele.Chat); ok {
		f.to = append(f.to, c.ID)
	}
	return &tele.Message{}, nil
}

func (f *fakeSender) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestBridge(t *testing.T) (*Bridge, *fakeSender, *broker.Broker) {
	t.Helper()
	b := broker.New(broker.Config{}, logx.Nop(), nil)
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	fs := &fakeSender{}
	br := newBridge(Config{ChatID: 42}, chat.Local(b), fs, logx.Nop())
	if err := br.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { br.Stop(context.Background()) })
	return br, fs, b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestForwardsChatLinesToTelegram(t *testing.T) {
	_, fs, b := newTestBridge(t)

	alice := chat.New("alice", chat.Local(b))
	if err := alice.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer alice.Disconnect(context.Background())
	if err := alice.Send(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(fs.lines()) == 1 })
	if got := fs.lines()[0]; got != "alice: hi" {
		t.Fatalf("sent %q", got)
	}
	if fs.to[0] != 42 {
		t.Fatalf("sent to chat %d", fs.to[0])
	}
}

func TestRelaysTelegramTextWithoutEcho(t *testing.T) {
	br, fs, b := newTestBridge(t)

	bob := chat.New("bob", chat.Local(b))
	if err := bob.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer bob.Disconnect(context.Background())
	got := make(chan string, 4)
	if err := bob.Listen(context.Background(), func(line string) { got <- line }); err != nil {
		t.Fatal(err)
	}

	br.onText(context.Background(), 42, "carol", "hello from tg")
	br.onText(context.Background(), 7, "mallory", "other chat")
	br.onText(context.Background(), 42, "carol", "/start")

	select {
	case line := <-got:
		if line != "carol: hello from tg" {
			t.Fatalf("bob got %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay never arrived")
	}
	select {
	case line := <-got:
		t.Fatalf("unexpected line %q", line)
	case <-time.After(100 * time.Millisecond):
	}

	if br.relayed.Load() != 1 {
		t.Fatalf("relayed = %d", br.relayed.Load())
	}
	// The bridge's own publish must not come back to Telegram.
	if n := len(fs.lines()); n != 0 {
		t.Fatalf("echoed %d lines", n)
	}
}

func TestSendFailureCounted(t *testing.T) {
	br, fs, _ := newTestBridge(t)
	fs.err = errors.New("telegram down")

	br.forward(broker.Message{Publisher: "alice", Body: []byte("alice: hi")})
	if br.failed.Load() != 1 {
		t.Fatalf("failed = %d", br.failed.Load())
	}
}

func TestStopLeavesExchange(t *testing.T) {
	br, _, b := newTestBridge(t)
	if s := b.Stats(); s.Sessions != 1 || s.Bindings != 1 {
		t.Fatalf("stats = %+v", s)
	}
	br.Stop(context.Background())
	if s := b.Stats(); s.Sessions != 0 || s.Bindings != 0 {
		t.Fatalf("stats after stop = %+v", s)
	}
	// Text arriving after Stop is dropped quietly.
	br.onText(context.Background(), 42, "carol", "late")
}

func TestDisplayName(t *testing.T) {
	cases := []struct {
		u    *tele.User
		want string
	}{
		{nil, chat.DefaultUsername},
		{&tele.User{Username: "neo"}, "neo"},
		{&tele.User{FirstName: "Thomas", LastName: "Anderson"}, "Thomas Anderson"},
		{&tele.User{}, chat.DefaultUsername},
	}
	for _, tc := range cases {
		if got := displayName(tc.u); got != tc.want {
			t.Fatalf("displayName(%+v) = %q, want %q", tc.u, got, tc.want)
		}
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}, nil, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
