package ratelimit

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client key.
type RateLimiter struct {
	visitors      map[string]*visitor
	mu            sync.Mutex
	limit         rate.Limit
	burst         int
	logger        *zap.Logger
	cleanupTicker *time.Ticker
	idleAfter     time.Duration
	done          chan struct{}
	stopOnce      sync.Once
}

type Config struct {
	MaxRequestsPerMinute int
	// Burst defaults to MaxRequestsPerMinute.
	Burst  int
	Logger *zap.Logger
}

func New(cfg Config) *RateLimiter {
	if cfg.MaxRequestsPerMinute <= 0 {
		cfg.MaxRequestsPerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.MaxRequestsPerMinute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	rl := &RateLimiter{
		visitors:      make(map[string]*visitor),
		limit:         rate.Limit(float64(cfg.MaxRequestsPerMinute) / 60),
		burst:         cfg.Burst,
		logger:        cfg.Logger,
		cleanupTicker: time.NewTicker(5 * time.Minute),
		idleAfter:     10 * time.Minute,
		done:          make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Middleware keys clients by X-Client-ID when present, otherwise by IP.
func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.IP()
		if id := c.Get("X-Client-ID"); id != "" {
			key = id
		}

		lim := rl.limiter(key)
		if !lim.Allow() {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("key", key),
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()),
			)
			retry := time.Duration(float64(time.Second) / float64(rl.limit))
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(retry.Seconds())+1))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "rate limit exceeded, retry later",
			})
		}

		return c.Next()
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (rl *RateLimiter) cleanup() {
	for {
		select {
		case <-rl.done:
			return
		case now := <-rl.cleanupTicker.C:
			rl.mu.Lock()
			for key, v := range rl.visitors {
				if now.Sub(v.lastSeen) > rl.idleAfter {
					delete(rl.visitors, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		rl.cleanupTicker.Stop()
		close(rl.done)
	})
}
