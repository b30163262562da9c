package broker

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrConnectionRefused    = errors.New("connection refused")
	ErrInvalidState         = errors.New("invalid session state")
	ErrUnknownExchange      = errors.New("unknown exchange")
	ErrExchangeKindMismatch = errors.New("exchange kind mismatch")
	ErrUnsupportedKind      = errors.New("unsupported exchange kind")
	ErrUnknownQueue         = errors.New("unknown queue")
	ErrQueueNotOwned        = errors.New("queue not owned by session")
	ErrQueueFull            = errors.New("queue full")
	ErrQueueClosed          = errors.New("queue closed")
	ErrQueueEmpty           = errors.New("queue empty")
	ErrInvalidName          = errors.New("invalid name")
	ErrBrokerClosed         = errors.New("broker closed")
)

// Stable codes used on the wire. CodeOf returns the first match, so a refusal
// caused by shutdown is reported as connection_refused.
var errorCodes = []struct {
	code string
	err  error
}{
	{"connection_refused", ErrConnectionRefused},
	{"broker_closed", ErrBrokerClosed},
	{"invalid_state", ErrInvalidState},
	{"unknown_exchange", ErrUnknownExchange},
	{"exchange_kind_mismatch", ErrExchangeKindMismatch},
	{"unsupported_kind", ErrUnsupportedKind},
	{"unknown_queue", ErrUnknownQueue},
	{"queue_not_owned", ErrQueueNotOwned},
	{"queue_full", ErrQueueFull},
	{"queue_closed", ErrQueueClosed},
	{"queue_empty", ErrQueueEmpty},
	{"invalid_name", ErrInvalidName},
}

// CodeOf returns the wire code for err, "internal" for unknown errors and "" for nil.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// FromCode rebuilds an error received from a remote broker. The result matches
// the original sentinel with errors.Is and keeps the remote message text.
func FromCode(code, msg string) error {
	if code == "" {
		return nil
	}
	var sentinel error
	for _, c := range errorCodes {
		if c.code == code {
			sentinel = c.err
			break
		}
	}
	if msg == "" && sentinel != nil {
		msg = sentinel.Error()
	}
	return &RemoteError{Code: code, Msg: msg, err: sentinel}
}

// RemoteError is an error reported by a broker on the other side of a transport.
type RemoteError struct {
	Code string
	Msg  string
	err  error
}

func (e *RemoteError) Error() string { return e.Msg }
func (e *RemoteError) Unwrap() error { return e.err }

// DeliveryError reports queues that rejected a published message.
// The message was still delivered to every other bound queue.
type DeliveryError struct {
	Exchange string
	Failed   map[string]error // queue id -> cause
}

func (e *DeliveryError) add(queue string, err error) {
	if e.Failed == nil {
		e.Failed = map[string]error{}
	}
	e.Failed[queue] = err
}

func (e *DeliveryError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	b.WriteString("exchange ")
	b.WriteString(e.Exchange)
	b.WriteString(": delivery failed:")
	for _, id := range ids {
		b.WriteString(" ")
		b.WriteString(id)
		b.WriteString(" (")
		b.WriteString(e.Failed[id].Error())
		b.WriteString(")")
	}
	return b.String()
}

func (e *DeliveryError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}
