package chat

import (
	"context"

	"fanoutmq/internal/broker"
)

// Local dials in-process sessions on b.
func Local(b *broker.Broker) Dialer {
	return func(ctx context.Context, username string) (Conn, error) {
		s, err := b.NewSession(ctx, broker.SessionInfo{Name: username, Remote: "local"})
		if err != nil {
			return nil, err
		}
		return localConn{s}, nil
	}
}

// localConn adapts a broker session to Conn. Session operations don't block,
// so contexts are only checked up front.
type localConn struct{ s *broker.Session }

func (l localConn) DeclareExchange(ctx context.Context, name string, kind broker.Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.s.DeclareExchange(name, kind)
}

func (l localConn) DeclareQueue(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return l.s.DeclareQueue(name)
}

func (l localConn) Bind(ctx context.Context, queue, exchange string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.s.Bind(queue, exchange)
}

func (l localConn) Publish(ctx context.Context, exchange string, body []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return l.s.Publish(exchange, body)
}

func (l localConn) Consume(ctx context.Context, queue string, h broker.Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.s.StartConsuming(queue, h)
}

func (l localConn) Disconnect(context.Context) error {
	l.s.Disconnect()
	return nil
}

func (l localConn) Done() <-chan struct{} { return l.s.Done() }
