package llm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/metrics"
	"github.com/tenderflow/backend/pkg/circuitbreaker"
	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
	"github.com/tenderflow/backend/pkg/retry"
)

type ResilienceConfig struct {
	MaxRetries int
	// Timeout returns the per-call deadline for a purpose.
	Timeout  func(purpose string) time.Duration
	Breakers *circuitbreaker.Group
	Retry    *retry.Config
}

// Resilient bounds every call with a per-purpose timeout, retries transient API errors and
// trips a per-model circuit breaker.
type Resilient struct {
	next     Client
	cfg      ResilienceConfig
	retryCfg retry.Config
}

func NewResilient(next Client, cfg ResilienceConfig) *Resilient {
	if cfg.Breakers == nil {
		cfg.Breakers = circuitbreaker.NewGroup(circuitbreaker.Config{
			MaxRequests:      5,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Logger:           logger.Named("breaker"),
		})
	}
	if cfg.Timeout == nil {
		cfg.Timeout = func(string) time.Duration { return 30 * time.Second }
	}

	retryCfg := retry.WithRetries(cfg.MaxRetries)
	if cfg.Retry != nil {
		retryCfg = *cfg.Retry
	}
	retryCfg.Logger = logger.Named("retry")

	return &Resilient{next: next, cfg: cfg, retryCfg: retryCfg}
}

func (r *Resilient) breaker(req Request) *circuitbreaker.CircuitBreaker {
	info := r.next.ModelInfo()
	model := req.Model
	if model == "" {
		model = info.Model
	}
	return r.cfg.Breakers.Get(info.Provider + ":" + model)
}

func (r *Resilient) Call(ctx context.Context, req Request) (string, error) {
	provider := r.next.ModelInfo().Provider
	cb := r.breaker(req)
	timeout := r.cfg.Timeout(req.Purpose)
	start := time.Now()

	var out string
	err := cb.Execute(ctx, func() error {
		return retry.Do(ctx, r.retryCfg, func() error {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			s, err := r.next.Call(callCtx, req)
			if err != nil {
				if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
					return errs.API(provider+" call", callCtx.Err())
				}
				return err
			}
			out = s
			return nil
		})
	})

	status := "ok"
	if err != nil {
		status = string(errs.KindOf(err))
		logger.Warn("LLM call failed",
			zap.String("provider", provider),
			zap.String("purpose", req.Purpose),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
	}
	metrics.LLMCallsTotal.WithLabelValues(provider, req.Purpose, status).Inc()
	metrics.LLMCallDuration.WithLabelValues(provider, req.Purpose).Observe(time.Since(start).Seconds())

	return out, err
}

// CallStream retries only the stream setup; a stream that broke mid-way is reported as is.
func (r *Resilient) CallStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	cb := r.breaker(req)

	var ch <-chan StreamChunk
	err := cb.Execute(ctx, func() error {
		return retry.Do(ctx, r.retryCfg, func() error {
			s, err := r.next.CallStream(ctx, req)
			if err != nil {
				return err
			}
			ch = s
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (r *Resilient) ModelInfo() ModelInfo {
	info := r.next.ModelInfo()
	info.Limits.MaxRetries = r.retryCfg.MaxAttempts - 1
	info.Limits.TimeoutSec = int(r.cfg.Timeout("").Seconds())
	info.Breakers = r.cfg.Breakers.Snapshots()
	return info
}

func (r *Resilient) ValidateConfig() error {
	return r.next.ValidateConfig()
}
