// Package llm is the model capability consumed by the pipeline. Callers depend on Client only;
// concrete transports and decorators are assembled by the factory.
package llm

import (
	"context"
	"sync/atomic"

	"github.com/tenderflow/backend/pkg/circuitbreaker"
)

type Request struct {
	Prompt       string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
	Purpose      string
	// Model overrides the client's default model when set.
	Model string
}

type StreamChunk struct {
	Content string
	Err     error
}

type Limits struct {
	MaxTokens      int     `json:"max_tokens"`
	TimeoutSec     int     `json:"timeout_sec"`
	MaxRetries     int     `json:"max_retries"`
	RequestsPerSec float64 `json:"requests_per_sec,omitempty"`
}

type ModelInfo struct {
	Provider  string                    `json:"provider"`
	Model     string                    `json:"model"`
	HasAPIKey bool                      `json:"has_api_key"`
	Limits    Limits                    `json:"limits"`
	Breakers  []circuitbreaker.Snapshot `json:"breakers,omitempty"`
	Providers []ModelInfo               `json:"providers,omitempty"`
}

// Client is implemented by every transport and decorator.
type Client interface {
	Call(ctx context.Context, req Request) (string, error)
	// CallStream delivers the reply incrementally. The channel is closed after the last chunk;
	// a chunk with Err set is always the last one.
	CallStream(ctx context.Context, req Request) (<-chan StreamChunk, error)
	ModelInfo() ModelInfo
	ValidateConfig() error
}

// Usage accumulates call statistics for one unit of work. Attach it with WithUsage.
type Usage struct {
	calls            atomic.Int64
	promptTokens     atomic.Int64
	completionTokens atomic.Int64
	cacheHits        atomic.Int64
}

func (u *Usage) Add(prompt, completion int) {
	u.calls.Add(1)
	u.promptTokens.Add(int64(prompt))
	u.completionTokens.Add(int64(completion))
}

func (u *Usage) Calls() int            { return int(u.calls.Load()) }
func (u *Usage) PromptTokens() int     { return int(u.promptTokens.Load()) }
func (u *Usage) CompletionTokens() int { return int(u.completionTokens.Load()) }
func (u *Usage) TotalTokens() int      { return u.PromptTokens() + u.CompletionTokens() }
func (u *Usage) CacheHits() int        { return int(u.cacheHits.Load()) }

type usageKey struct{}

func WithUsage(ctx context.Context, u *Usage) context.Context {
	return context.WithValue(ctx, usageKey{}, u)
}

func usageFrom(ctx context.Context) *Usage {
	u, _ := ctx.Value(usageKey{}).(*Usage)
	return u
}

func recordUsage(ctx context.Context, prompt, completion int) {
	if u := usageFrom(ctx); u != nil {
		u.Add(prompt, completion)
	}
}

// EstimateCost converts token usage into an approximate dollar figure.
func EstimateCost(u *Usage, costPer1KTokens float64) float64 {
	if u == nil {
		return 0
	}
	return float64(u.TotalTokens()) / 1000 * costPer1KTokens
}

// Collect drains a stream into a single string.
func Collect(ch <-chan StreamChunk) (string, error) {
	var out []byte
	for chunk := range ch {
		if chunk.Err != nil {
			return string(out), chunk.Err
		}
		out = append(out, chunk.Content...)
	}
	return string(out), nil
}
