package cache

import (
	"context"
	"time"
)

// Store is the key-value capability backing the write-ahead recovery track.
// Implementations must treat Set with an existing key as an overwrite so
// checkpoint writes stay idempotent.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) error
}
