package cache

import (
	"context"
	"time"
)

// Cache is a byte cache keyed by string. Implementations treat a miss and an expired entry alike.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
