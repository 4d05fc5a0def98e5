// Package retry re-runs model calls that fail with transient errors, backing off exponentially.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/pkg/errs"
)

type Config struct {
	// MaxAttempts counts the first call.
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	// Retryable decides whether an error is transient. Defaults to errs.IsRetryable.
	Retryable func(error) bool
	Logger    *zap.Logger
	// OnRetry is invoked before sleeping for the next attempt.
	OnRetry func(attempt int, err error)
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.1,
		Retryable:      errs.IsRetryable,
		Logger:         zap.NewNop(),
	}
}

// WithRetries returns a config allowing n retries after the first attempt.
func WithRetries(n int) Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = max(n, 0) + 1
	return cfg
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.Retryable == nil {
		c.Retryable = def.Retryable
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	return c
}

// Backoff is the un-jittered wait after the given failed attempt (1-based).
func (c Config) Backoff(attempt int) time.Duration {
	c = c.normalized()
	d := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= c.Multiplier
		if d >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	return time.Duration(d)
}

// Do calls operation until it succeeds, fails permanently, the attempts run out or ctx ends.
// The last error is returned unchanged.
func Do(ctx context.Context, cfg Config, operation func() error) error {
	cfg = cfg.normalized()

	var err error
	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = operation(); err == nil {
			if attempt > 1 {
				cfg.Logger.Info("Call succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}
		if !cfg.Retryable(err) || errors.Is(err, context.Canceled) {
			cfg.Logger.Debug("Error not retryable", zap.Error(err), zap.Int("attempt", attempt))
			return err
		}
		if attempt >= cfg.MaxAttempts {
			return err
		}

		delay := jitter(cfg.Backoff(attempt), cfg.JitterFraction)
		cfg.Logger.Warn("Call failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.MaxAttempts),
			zap.Duration("delay", delay),
		)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		if werr := sleep(ctx, delay); werr != nil {
			return werr
		}
	}
}

func DoWithResult[T any](ctx context.Context, cfg Config, operation func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var err error
		result, err = operation()
		return err
	})
	return result, err
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// jitter spreads d by up to ±fraction.
func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	return d + time.Duration((rand.Float64()*2-1)*fraction*float64(d))
}
