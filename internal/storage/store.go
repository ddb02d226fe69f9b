package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no persisted value.
var ErrNotFound = errors.New("storage: key not found")

// Store is the persistent key-value store behind the customer-info cache,
// the product-entitlement mapping and purchase history. Values are opaque
// bytes; callers own the encoding.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
