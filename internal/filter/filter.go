// Package filter labels chunks as valuable or boilerplate.
package filter

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/llm"
	"github.com/tenderflow/backend/internal/prompts"
	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

// defaultConfidence is used when the model omits a confidence value.
const defaultConfidence = 0.5

var errMissingLabel = errors.New("reply has no is_valuable field")

type Decision struct {
	IsValuable bool    `json:"is_valuable"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
	ModelUsed  string  `json:"model_used"`
}

type Filter struct {
	client  llm.Client
	prompts *prompts.Manager
}

func New(client llm.Client, pm *prompts.Manager) *Filter {
	return &Filter{client: client, prompts: pm}
}

type reply struct {
	IsValuable *bool    `json:"is_valuable"`
	Confidence *float64 `json:"confidence"`
	Reason     string   `json:"reason"`
}

// Neighbours carries the titles around a chunk for context.
type Neighbours struct {
	PrevTitle string
	NextTitle string
}

func (f *Filter) Classify(ctx context.Context, chunk models.DocumentChunk, around Neighbours, model string) (Decision, error) {
	if strings.TrimSpace(chunk.Content) == "" {
		return Decision{}, errs.Validation("filter chunk", "chunk %d has no content", chunk.ChunkID)
	}

	cfg, err := f.prompts.GetConfig(prompts.ChunkFilter)
	if err != nil {
		return Decision{}, err
	}
	prompt, err := f.prompts.Get(prompts.ChunkFilter, map[string]any{
		"chunk_content": chunk.Content,
		"prev_title":    orNone(around.PrevTitle),
		"next_title":    orNone(around.NextTitle),
	})
	if err != nil {
		return Decision{}, err
	}

	out, err := f.client.Call(ctx, llm.Request{
		Prompt:       prompt,
		SystemPrompt: cfg.SystemPrompt,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		Purpose:      cfg.Purpose,
		Model:        model,
	})
	if err != nil {
		return Decision{}, err
	}

	var r reply
	if err := llm.DecodeJSON(out, &r); err != nil {
		return Decision{}, err
	}
	if r.IsValuable == nil {
		return Decision{}, errs.API("filter chunk", errMissingLabel)
	}

	d := Decision{
		IsValuable: *r.IsValuable,
		Confidence: defaultConfidence,
		Reason:     r.Reason,
		ModelUsed:  model,
	}
	if r.Confidence != nil {
		d.Confidence = Clamp(*r.Confidence)
	}
	if d.ModelUsed == "" {
		d.ModelUsed = f.client.ModelInfo().Model
	}

	logger.Debug("Chunk classified",
		zap.Int64("chunk_id", chunk.ChunkID),
		zap.Bool("valuable", d.IsValuable),
		zap.Float64("confidence", d.Confidence),
	)
	return d, nil
}

// Clamp bounds a confidence to [0,1].
func Clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func orNone(s string) string {
	if s == "" {
		return "无"
	}
	return s
}
