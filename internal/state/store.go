package state

import "context"

// Store is a small durable key/value surface. Values are opaque bytes so
// both string order-id mappings and msgpack ledger snapshots fit.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
