package broker

import "time"

// Kind is an exchange type. Only fanout routing is implemented.
type Kind string

const KindFanout Kind = "fanout"

// ParseKind normalizes a kind string. Empty means fanout.
func ParseKind(s string) Kind {
	if s == "" {
		return KindFanout
	}
	return Kind(s)
}

// Message is an immutable published value. Each bound queue receives its own copy.
type Message struct {
	Exchange    string
	Publisher   string
	Body        []byte
	PublishedAt time.Time
	// Seq is a per-broker publish sequence, for diagnostics only.
	Seq uint64
}

func (m Message) clone() Message {
	cp := m
	if m.Body != nil {
		cp.Body = append([]byte(nil), m.Body...)
	}
	return cp
}

// Handler receives deliveries on a session's delivery loop.
type Handler func(m Message)
