// Package telegram relays a chat exchange to and from one Telegram chat.
//
// Lines published on the exchange by anyone but the bridge are sent to the
// chat; text posted in the chat is published as "<sender>: <text>".
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"fanoutmq/internal/broker"
	"fanoutmq/internal/chat"
	"fanoutmq/internal/runtime/supervisor"
	logx "fanoutmq/pkg/logx"
)

const (
	DefaultUsername    = "telegram"
	defaultPollTimeout = 10 * time.Second
	sendTimeout        = 8 * time.Second
)

type Config struct {
	Enabled     bool
	Token       string
	ChatID      int64
	Exchange    string
	Username    string
	PollTimeout time.Duration
}

// sender is the part of *tele.Bot used to post into the chat.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Bridge struct {
	cfg  Config
	log  logx.Logger
	dial chat.Dialer

	bot  *tele.Bot
	send sender

	mu     sync.Mutex
	client *chat.Client
	sup    *supervisor.Supervisor

	relayed   atomic.Uint64
	forwarded atomic.Uint64
	failed    atomic.Uint64
}

// New creates the bot. dial joins the exchange, usually chat.Local.
func New(cfg Config, dial chat.Dialer, log logx.Logger) (*Bridge, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	br := newBridge(cfg, dial, bot, log)
	br.bot = bot
	bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		br.onText(context.Background(), m.Chat.ID, displayName(m.Sender), m.Text)
		return nil
	})
	return br, nil
}

func newBridge(cfg Config, dial chat.Dialer, s sender, log logx.Logger) *Bridge {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Username) == "" {
		cfg.Username = DefaultUsername
	}
	if strings.TrimSpace(cfg.Exchange) == "" {
		cfg.Exchange = chat.DefaultExchange
	}
	return &Bridge{cfg: cfg, dial: dial, send: s, log: log.With(logx.String("comp", "telegram"))}
}

// Start joins the exchange and begins long polling.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return nil
	}
	if err := b.joinLocked(ctx); err != nil {
		return err
	}
	if b.bot == nil {
		return nil
	}

	b.sup = supervisor.New(context.Background(),
		supervisor.WithLogger(b.log),
		supervisor.WithCancelOnError(false),
	)
	b.sup.GoRestart("poll", b.poll, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	return nil
}

func (b *Bridge) joinLocked(ctx context.Context) error {
	c := chat.New(b.cfg.Username, b.dial)
	c.Exchange = b.cfg.Exchange
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if err := c.ListenMessages(ctx, b.forward); err != nil {
		_ = c.Disconnect(context.WithoutCancel(ctx))
		return err
	}
	b.client = c
	b.log.Info("bridge joined", logx.String("exchange", b.cfg.Exchange), logx.Int64("chat_id", b.cfg.ChatID))
	return nil
}

func (b *Bridge) poll(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	// Stop blocks until Start's loop picks it up.
	stop := context.AfterFunc(ctx, b.bot.Stop)
	defer stop()

	b.log.Info("polling started")
	b.bot.Start()
	if ctx.Err() != nil {
		return nil
	}
	return errors.New("telegram poller exited")
}

// Stop leaves the exchange and stops polling. Polling gets a short grace
// window since getUpdates may still be waiting.
func (b *Bridge) Stop(ctx context.Context) {
	b.mu.Lock()
	c, sup := b.client, b.sup
	b.client, b.sup = nil, nil
	b.mu.Unlock()

	if c != nil {
		_ = c.Disconnect(ctx)
	}
	if sup == nil {
		return
	}
	sup.Cancel()
	grace, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(grace); errors.Is(err, context.DeadlineExceeded) {
		b.log.Warn("polling stop timed out")
		return
	}
	b.log.Info("polling stopped",
		logx.Uint64("relayed", b.relayed.Load()),
		logx.Uint64("forwarded", b.forwarded.Load()),
	)
}

// forward posts a chat line published by someone else into the Telegram chat.
func (b *Bridge) forward(m broker.Message) {
	if m.Publisher == b.cfg.Username {
		return
	}
	if _, err := b.send.Send(&tele.Chat{ID: b.cfg.ChatID}, string(m.Body)); err != nil {
		b.failed.Add(1)
		b.log.Warn("telegram send failed", logx.Err(err))
		return
	}
	b.forwarded.Add(1)
}

// onText publishes text posted in the bridged chat. Other chats are ignored.
func (b *Bridge) onText(ctx context.Context, chatID int64, from, text string) {
	if chatID != b.cfg.ChatID || strings.TrimSpace(text) == "" || strings.HasPrefix(text, "/") {
		return
	}
	b.mu.Lock()
	c := b.client
	b.mu.Unlock()
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := c.Relay(ctx, from, text); err != nil {
		b.failed.Add(1)
		b.log.Warn("relay to exchange failed", logx.Err(err))
		return
	}
	b.relayed.Add(1)
}

func displayName(u *tele.User) string {
	if u == nil {
		return chat.DefaultUsername
	}
	if u.Username != "" {
		return u.Username
	}
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		return name
	}
	return chat.DefaultUsername
}
