package client

import (
	"context"
	"time"

	"github.com/mbocsi/deviceio/proto"
)

// Transport carries the three deviceio exchanges. Implementations return the
// raw response body and leave decoding to the Client.
type Transport interface {
	Post(ctx context.Context, env proto.Envelope, token string) ([]byte, error)
	Poll(ctx context.Context, proxyID string, timeout time.Duration, token string) ([]byte, error)
	Watch(ctx context.Context) ([]byte, error)
}

// CommandHandler receives every non-empty batch of inbound commands after the
// placeholder acks for that batch have been queued.
type CommandHandler func(ctx context.Context, cmds []proto.Command) error

// TokenHandler is called from a background goroutine whenever the server
// hands out a new auth token.
type TokenHandler func(token string)
