package llm

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/cache"
	"github.com/tenderflow/backend/internal/metrics"
	"github.com/tenderflow/backend/pkg/digest"
	"github.com/tenderflow/backend/pkg/logger"
)

// Cached serves repeated identical requests from a cache. Only successful replies are stored.
type Cached struct {
	next  Client
	cache cache.Cache
	ttl   time.Duration
}

func NewCached(next Client, c cache.Cache, ttl time.Duration) *Cached {
	return &Cached{next: next, cache: c, ttl: ttl}
}

func (c *Cached) key(req Request) string {
	model := req.Model
	if model == "" {
		model = c.next.ModelInfo().Model
	}
	return digest.Key("llm:"+model,
		req.SystemPrompt,
		req.Prompt,
		strconv.FormatFloat(float64(req.Temperature), 'f', 3, 32),
		fmt.Sprint(req.MaxTokens),
	)
}

func (c *Cached) Call(ctx context.Context, req Request) (string, error) {
	key := c.key(req)
	if val, ok := c.cache.Get(ctx, key); ok {
		metrics.CacheHits.WithLabelValues("llm").Inc()
		if u := usageFrom(ctx); u != nil {
			u.cacheHits.Add(1)
		}
		logger.Debug("LLM cache hit", zap.String("purpose", req.Purpose))
		return string(val), nil
	}
	metrics.CacheMisses.WithLabelValues("llm").Inc()

	out, err := c.next.Call(ctx, req)
	if err != nil {
		return "", err
	}
	if err := c.cache.Set(ctx, key, []byte(out), c.ttl); err != nil {
		logger.Warn("Failed to cache LLM reply", zap.Error(err))
	}
	return out, nil
}

func (c *Cached) CallStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	key := c.key(req)
	if val, ok := c.cache.Get(ctx, key); ok {
		metrics.CacheHits.WithLabelValues("llm").Inc()
		out := make(chan StreamChunk, 1)
		out <- StreamChunk{Content: string(val)}
		close(out)
		return out, nil
	}
	metrics.CacheMisses.WithLabelValues("llm").Inc()

	src, err := c.next.CallStream(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 8)
	go func() {
		defer close(out)
		var full []byte
		for chunk := range src {
			if chunk.Err != nil {
				out <- chunk
				return
			}
			full = append(full, chunk.Content...)
			out <- chunk
		}
		if err := c.cache.Set(ctx, key, full, c.ttl); err != nil {
			logger.Warn("Failed to cache LLM stream", zap.Error(err))
		}
	}()
	return out, nil
}

func (c *Cached) ModelInfo() ModelInfo {
	return c.next.ModelInfo()
}

func (c *Cached) ValidateConfig() error {
	return c.next.ValidateConfig()
}
