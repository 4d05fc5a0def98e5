package llm

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/tenderflow/backend/pkg/errs"
)

// RateLimited paces calls per model so parallel chunk workers do not exceed provider quotas.
type RateLimited struct {
	next         Client
	mu           sync.RWMutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

func NewRateLimited(next Client, requestsPerSecond float64, burst int) *RateLimited {
	if burst <= 0 {
		burst = 4
	}
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	return &RateLimited{
		next:         next,
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  limit,
		defaultBurst: burst,
	}
}

func (l *RateLimited) limiter(model string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[model]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[model]; ok {
		return lim
	}
	lim = rate.NewLimiter(l.defaultRate, l.defaultBurst)
	l.limiters[model] = lim
	return lim
}

func (l *RateLimited) wait(ctx context.Context, req Request) error {
	model := req.Model
	if model == "" {
		model = l.next.ModelInfo().Model
	}
	if err := l.limiter(model).Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.API("rate limiter", err)
	}
	return nil
}

func (l *RateLimited) Call(ctx context.Context, req Request) (string, error) {
	if err := l.wait(ctx, req); err != nil {
		return "", err
	}
	return l.next.Call(ctx, req)
}

func (l *RateLimited) CallStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	if err := l.wait(ctx, req); err != nil {
		return nil, err
	}
	return l.next.CallStream(ctx, req)
}

func (l *RateLimited) ModelInfo() ModelInfo {
	info := l.next.ModelInfo()
	if l.defaultRate != rate.Inf {
		info.Limits.RequestsPerSec = float64(l.defaultRate)
	}
	return info
}

func (l *RateLimited) ValidateConfig() error {
	return l.next.ValidateConfig()
}
