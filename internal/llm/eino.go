package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

// EinoClient adapts an eino chat model (Claude, Gemini) to Client.
type EinoClient struct {
	provider    string
	model       string
	hasKey      bool
	temperature float32
	maxTokens   int
	chat        model.BaseChatModel
}

type EinoConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
}

func NewClaudeClient(ctx context.Context, cfg EinoConfig) (*EinoClient, error) {
	if cfg.APIKey == "" {
		return nil, errs.Configuration("claude", "api key is not configured")
	}
	var baseURL *string
	if cfg.BaseURL != "" {
		baseURL = &cfg.BaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4000
	}

	chat, err := claude.NewChatModel(ctx, &claude.Config{
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		BaseURL:   baseURL,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, errs.Configuration("claude", "init chat model: %v", err)
	}

	logger.Info("Claude client initialized", zap.String("model", cfg.Model))
	return NewEinoClient("claude", cfg.Model, true, cfg.Temperature, maxTokens, chat), nil
}

func NewGeminiClient(ctx context.Context, cfg EinoConfig) (*EinoClient, error) {
	if cfg.APIKey == "" {
		return nil, errs.Configuration("gemini", "api key is not configured")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, errs.Configuration("gemini", "init client: %v", err)
	}

	chat, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client: client,
		Model:  cfg.Model,
	})
	if err != nil {
		return nil, errs.Configuration("gemini", "init chat model: %v", err)
	}

	logger.Info("Gemini client initialized", zap.String("model", cfg.Model))
	return NewEinoClient("gemini", cfg.Model, true, cfg.Temperature, cfg.MaxTokens, chat), nil
}

// NewEinoClient wraps any eino chat model; tests pass a fake model here.
func NewEinoClient(provider, modelName string, hasKey bool, temperature float32, maxTokens int, chat model.BaseChatModel) *EinoClient {
	return &EinoClient{
		provider:    provider,
		model:       modelName,
		hasKey:      hasKey,
		temperature: temperature,
		maxTokens:   maxTokens,
		chat:        chat,
	}
}

func (c *EinoClient) ValidateConfig() error {
	if !c.hasKey {
		return errs.Configuration(c.provider, "api key is not configured")
	}
	if c.chat == nil {
		return errs.Configuration(c.provider, "chat model is not initialized")
	}
	return nil
}

func (c *EinoClient) ModelInfo() ModelInfo {
	return ModelInfo{
		Provider:  c.provider,
		Model:     c.model,
		HasAPIKey: c.hasKey,
		Limits:    Limits{MaxTokens: c.maxTokens},
	}
}

func (c *EinoClient) prepare(req Request) ([]*schema.Message, []model.Option, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, nil, errs.Validation(c.provider, "prompt is empty")
	}
	if err := c.ValidateConfig(); err != nil {
		return nil, nil, err
	}

	messages := make([]*schema.Message, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, schema.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, schema.UserMessage(req.Prompt))

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	opts := []model.Option{model.WithTemperature(temperature)}
	if maxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(maxTokens))
	}
	if req.Model != "" && req.Model != c.model {
		opts = append(opts, model.WithModel(req.Model))
	}
	return messages, opts, nil
}

func (c *EinoClient) Call(ctx context.Context, req Request) (string, error) {
	messages, opts, err := c.prepare(req)
	if err != nil {
		return "", err
	}

	msg, err := c.chat.Generate(ctx, messages, opts...)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", errs.API(c.provider+" call", err)
	}
	if msg == nil {
		return "", errs.API(c.provider+" call", errors.New("empty response"))
	}

	prompt, completion := 0, 0
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		prompt = msg.ResponseMeta.Usage.PromptTokens
		completion = msg.ResponseMeta.Usage.CompletionTokens
	}
	recordUsage(ctx, prompt, completion)

	logger.Debug("LLM completion generated",
		zap.String("provider", c.provider),
		zap.String("purpose", req.Purpose),
		zap.Int("prompt_tokens", prompt),
		zap.Int("completion_tokens", completion),
	)
	return msg.Content, nil
}

func (c *EinoClient) CallStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	messages, opts, err := c.prepare(req)
	if err != nil {
		return nil, err
	}

	reader, err := c.chat.Stream(ctx, messages, opts...)
	if err != nil {
		return nil, errs.API(c.provider+" stream", err)
	}

	out := make(chan StreamChunk, 8)
	go func() {
		defer close(out)
		defer reader.Close()

		for {
			chunk, err := reader.Recv()
			if errors.Is(err, io.EOF) {
				recordUsage(ctx, 0, 0)
				return
			}
			if err != nil {
				out <- StreamChunk{Err: errs.API(c.provider+" stream", fmt.Errorf("recv: %w", err))}
				return
			}
			if chunk == nil || chunk.Content == "" {
				continue
			}
			select {
			case out <- StreamChunk{Content: chunk.Content}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
