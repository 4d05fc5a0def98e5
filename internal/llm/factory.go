package llm

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/cache"
	"github.com/tenderflow/backend/internal/metrics"
	"github.com/tenderflow/backend/pkg/circuitbreaker"
	"github.com/tenderflow/backend/pkg/config"
	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

// Router dispatches each request to the provider owning the requested model.
type Router struct {
	fallback  string
	providers map[string]Client
}

func NewRouter(fallback string, providers map[string]Client) *Router {
	return &Router{fallback: fallback, providers: providers}
}

// ProviderFor maps a model name to a provider key.
func ProviderFor(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"):
		return "claude"
	case strings.HasPrefix(m, "gemini"):
		return "gemini"
	case m == "":
		return ""
	default:
		return "openai"
	}
}

func (r *Router) route(req Request) (Client, error) {
	if p := ProviderFor(req.Model); p != "" {
		if c, ok := r.providers[p]; ok {
			return c, nil
		}
		if p != "openai" {
			return nil, errs.Configuration("llm router", "provider %s for model %s is not configured", p, req.Model)
		}
	}
	c, ok := r.providers[r.fallback]
	if !ok {
		return nil, errs.Configuration("llm router", "default provider %s is not configured", r.fallback)
	}
	return c, nil
}

func (r *Router) Call(ctx context.Context, req Request) (string, error) {
	c, err := r.route(req)
	if err != nil {
		return "", err
	}
	return c.Call(ctx, req)
}

func (r *Router) CallStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	c, err := r.route(req)
	if err != nil {
		return nil, err
	}
	return c.CallStream(ctx, req)
}

func (r *Router) ModelInfo() ModelInfo {
	info := ModelInfo{Provider: r.fallback}
	if c, ok := r.providers[r.fallback]; ok {
		info = c.ModelInfo()
	}
	for name, c := range r.providers {
		if name == r.fallback {
			continue
		}
		info.Providers = append(info.Providers, c.ModelInfo())
	}
	return info
}

func (r *Router) ValidateConfig() error {
	c, ok := r.providers[r.fallback]
	if !ok {
		return errs.Configuration("llm router", "default provider %s is not configured", r.fallback)
	}
	return c.ValidateConfig()
}

// NewFromConfig assembles the provider stack: transport, rate limit, resilience, routing
// and, when shared or TTL allow, the response cache.
func NewFromConfig(ctx context.Context, cfg config.LLMConfig, shared cache.Cache) (Client, error) {
	breakers := circuitbreaker.NewGroup(circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.Named("breaker"),
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.LLMBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	wrap := func(c Client) Client {
		limited := NewRateLimited(c, cfg.RequestsPerSec, cfg.Burst)
		return NewResilient(limited, ResilienceConfig{
			MaxRetries: cfg.MaxRetries,
			Timeout:    cfg.PurposeTimeout,
			Breakers:   breakers,
		})
	}

	providers := map[string]Client{
		"openai": wrap(NewOpenAIClient(OpenAIConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})),
	}

	if cfg.AnthropicAPIKey != "" {
		model := cfg.Model
		if ProviderFor(model) != "claude" {
			model = "claude-3-5-sonnet-latest"
		}
		c, err := NewClaudeClient(ctx, EinoConfig{
			APIKey:      cfg.AnthropicAPIKey,
			BaseURL:     cfg.AnthropicURL,
			Model:       model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		providers["claude"] = wrap(c)
	}

	if cfg.GeminiAPIKey != "" {
		model := cfg.Model
		if ProviderFor(model) != "gemini" {
			model = "gemini-2.0-flash"
		}
		c, err := NewGeminiClient(ctx, EinoConfig{
			APIKey:      cfg.GeminiAPIKey,
			Model:       model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		providers["gemini"] = wrap(c)
	}

	provider := strings.ToLower(cfg.Provider)
	if provider == "" {
		provider = "openai"
	}
	if _, ok := providers[provider]; !ok {
		return nil, errs.Configuration("llm factory", "provider %s selected but not configured", provider)
	}

	var client Client = NewRouter(provider, providers)

	if cfg.CacheTTL > 0 {
		memory := cache.NewMemoryCache(cfg.CacheTTL, 10*time.Minute)
		client = NewCached(client, cache.NewLayered(memory, shared), cfg.CacheTTL)
	}

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	logger.Info("LLM stack assembled",
		zap.String("default_provider", provider),
		zap.Strings("providers", names),
		zap.Bool("cache", cfg.CacheTTL > 0),
		zap.Bool("shared_cache", shared != nil),
	)
	return client, nil
}
