package chat

import (
	"context"

	"fanoutmq/internal/wire"
	logx "fanoutmq/pkg/logx"
)

// Remote dials a fanoutd server at addr.
func Remote(addr string, log logx.Logger) Dialer {
	return func(ctx context.Context, username string) (Conn, error) {
		c, err := wire.Dial(ctx, addr, username, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
