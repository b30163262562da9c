package wire

import (
	"time"

	"fanoutmq/internal/broker"
)

// Ops.
const (
	OpOpen            = "open"
	OpDeclareExchange = "declare_exchange"
	OpDeclareQueue    = "declare_queue"
	OpBind            = "bind"
	OpUnbind          = "unbind"
	OpPublish         = "publish"
	OpConsume         = "consume"
	OpCancel          = "cancel"
	OpPing            = "ping"
	OpDisconnect      = "disconnect"

	OpReply   = "reply"
	OpDeliver = "deliver"
)

// Frame is the single wire object; which fields are set depends on Op.
// Body is base64 in JSON.
type Frame struct {
	ID uint64 `json:"id,omitempty"`
	Op string `json:"op"`

	Name     string `json:"name,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Queue    string `json:"queue,omitempty"`
	Body     []byte `json:"body,omitempty"`

	// reply
	OK        bool   `json:"ok,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Session   string `json:"session,omitempty"`
	Delivered int    `json:"delivered,omitempty"`
	// IdleMS, on the open reply, is the server idle timeout in milliseconds.
	IdleMS int64 `json:"idle_ms,omitempty"`

	// deliver
	Publisher string `json:"publisher,omitempty"`
	TS        int64  `json:"ts,omitempty"` // unix nanos
	Seq       uint64 `json:"seq,omitempty"`
}

func reply(id uint64, err error) Frame {
	f := Frame{ID: id, Op: OpReply, OK: err == nil}
	if err != nil {
		f.Code = broker.CodeOf(err)
		f.Error = err.Error()
	}
	return f
}

func deliverFrame(m broker.Message) Frame {
	return Frame{
		Op:        OpDeliver,
		Exchange:  m.Exchange,
		Body:      m.Body,
		Publisher: m.Publisher,
		TS:        m.PublishedAt.UnixNano(),
		Seq:       m.Seq,
	}
}

func (f Frame) message() broker.Message {
	m := broker.Message{
		Exchange:  f.Exchange,
		Publisher: f.Publisher,
		Body:      f.Body,
		Seq:       f.Seq,
	}
	if f.TS != 0 {
		m.PublishedAt = time.Unix(0, f.TS)
	}
	return m
}

// err rebuilds the broker error carried by a reply.
func (f Frame) err() error {
	if f.OK {
		return nil
	}
	code := f.Code
	if code == "" {
		code = "internal"
	}
	return broker.FromCode(code, f.Error)
}
