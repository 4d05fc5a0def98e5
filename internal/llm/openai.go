package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	HTTPClient  *http.Client
}

// OpenAIClient talks to any OpenAI-compatible chat completion endpoint.
type OpenAIClient struct {
	client      *openai.Client
	apiKey      string
	model       string
	temperature float32
	maxTokens   int
}

func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	logger.Info("OpenAI client initialized",
		zap.String("model", cfg.Model),
		zap.Bool("custom_base_url", cfg.BaseURL != ""),
	)

	return &OpenAIClient{
		client:      openai.NewClientWithConfig(clientCfg),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

func (c *OpenAIClient) ValidateConfig() error {
	if c.apiKey == "" {
		return errs.Configuration("openai", "api key is not configured")
	}
	if c.model == "" {
		return errs.Configuration("openai", "model is not configured")
	}
	return nil
}

func (c *OpenAIClient) ModelInfo() ModelInfo {
	return ModelInfo{
		Provider:  "openai",
		Model:     c.model,
		HasAPIKey: c.apiKey != "",
		Limits:    Limits{MaxTokens: c.maxTokens},
	}
}

func (c *OpenAIClient) buildRequest(req Request) (openai.ChatCompletionRequest, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return openai.ChatCompletionRequest{}, errs.Validation("openai", "prompt is empty")
	}
	if err := c.ValidateConfig(); err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}, nil
}

func (c *OpenAIClient) Call(ctx context.Context, req Request) (string, error) {
	chatReq, err := c.buildRequest(req)
	if err != nil {
		return "", err
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", classifyOpenAIError("openai call", err)
	}
	if len(resp.Choices) == 0 {
		return "", errs.API("openai call", errors.New("response has no choices"))
	}

	recordUsage(ctx, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	logger.Debug("LLM completion generated",
		zap.String("model", chatReq.Model),
		zap.String("purpose", req.Purpose),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) CallStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	chatReq, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIError("openai stream", err)
	}

	out := make(chan StreamChunk, 8)
	go func() {
		defer close(out)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				recordUsage(ctx, 0, 0)
				return
			}
			if err != nil {
				out <- StreamChunk{Err: classifyOpenAIError("openai stream", err)}
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case out <- StreamChunk{Content: resp.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func classifyOpenAIError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.Configuration(op, "provider rejected credentials: %v", err)
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return errs.Validation(op, "provider rejected request: %v", err)
	}
	return errs.API(op, fmt.Errorf("chat completion failed: %w", err))
}
