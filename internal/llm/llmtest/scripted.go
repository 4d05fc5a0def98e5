// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/tenderflow/backend/internal/llm"
)

// Scripted answers each request with Respond. It records every request it receives.
type Scripted struct {
	Respond  func(req llm.Request) (string, error)
	Provider string

	mu    sync.Mutex
	calls []llm.Request
}

func New(respond func(req llm.Request) (string, error)) *Scripted {
	return &Scripted{Respond: respond, Provider: "scripted"}
}

func (s *Scripted) Call(ctx context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.Respond(req)
}

func (s *Scripted) CallStream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	out, err := s.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.StreamChunk, len(out)+1)
	for _, r := range out {
		ch <- llm.StreamChunk{Content: string(r)}
	}
	close(ch)
	return ch, nil
}

func (s *Scripted) ModelInfo() llm.ModelInfo {
	return llm.ModelInfo{Provider: s.Provider, Model: "scripted-model", HasAPIKey: true}
}

func (s *Scripted) ValidateConfig() error {
	return nil
}

func (s *Scripted) Calls() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsFor returns the recorded requests with the given purpose.
func (s *Scripted) CallsFor(purpose string) []llm.Request {
	var out []llm.Request
	for _, c := range s.Calls() {
		if c.Purpose == purpose {
			out = append(out, c)
		}
	}
	return out
}
