package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/pkg/logger"
)

// Layered checks memory first, then the shared second layer, promoting hits.
type Layered struct {
	memory Cache
	shared Cache
}

// NewLayered builds a two-level cache. shared may be nil, in which case only memory is used.
func NewLayered(memory Cache, shared Cache) *Layered {
	return &Layered{memory: memory, shared: shared}
}

func (c *Layered) Get(ctx context.Context, key string) ([]byte, bool) {
	if val, found := c.memory.Get(ctx, key); found {
		return val, true
	}
	if c.shared == nil {
		return nil, false
	}

	if val, found := c.shared.Get(ctx, key); found {
		c.memory.Set(ctx, key, val, 0)
		return val, true
	}
	return nil, false
}

func (c *Layered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.memory.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if c.shared == nil {
		return nil
	}
	// The shared layer is best effort; a redis outage must not fail the caller.
	if err := c.shared.Set(ctx, key, value, ttl); err != nil {
		logger.Warn("Shared cache write failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

func (c *Layered) Delete(ctx context.Context, key string) error {
	c.memory.Delete(ctx, key)
	if c.shared != nil {
		c.shared.Delete(ctx, key)
	}
	return nil
}
