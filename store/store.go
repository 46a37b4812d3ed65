// Package store persists the few values a gateway must keep across restarts.
package store

import (
	"context"
	"errors"
)

// Keys used by the gateway.
const (
	KeyToken         = "KEY_ESP_TOKEN"
	KeyPairedDevices = "KEY_SLAVES_DEVICES"
)

var ErrNotFound = errors.New("store: key not found")

// Store is a byte-valued key/value store. Implementations must be safe for
// concurrent use; the token is written from the client's sender goroutine.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}
