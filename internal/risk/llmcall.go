package risk

import (
	"context"

	"github.com/tenderflow/backend/internal/llm"
	"github.com/tenderflow/backend/internal/prompts"
)

// call renders prompt t and runs it with the prompt's configured sampling. The call is detached
// from cancellation of ctx so an in-flight request finishes; the client's per-purpose timeout
// bounds it.
func call(ctx context.Context, client llm.Client, pm *prompts.Manager, t prompts.Type, vars map[string]any, model string) (string, error) {
	cfg, err := pm.GetConfig(t)
	if err != nil {
		return "", err
	}
	prompt, err := pm.Get(t, vars)
	if err != nil {
		return "", err
	}
	return client.Call(context.WithoutCancel(ctx), llm.Request{
		Prompt:       prompt,
		SystemPrompt: cfg.SystemPrompt,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		Purpose:      cfg.Purpose,
		Model:        model,
	})
}
