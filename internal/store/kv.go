package store

import (
	"context"
	"errors"
)

// ErrClosed is returned by a KV backend after Close.
var ErrClosed = errors.New("store: closed")

// KV is a flat key-value slot store. Values are opaque bytes.
type KV interface {
	// Get returns the value under key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
