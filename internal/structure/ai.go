package structure

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/tenderflow/backend/internal/evaluation"
	"github.com/tenderflow/backend/internal/llm"
	"github.com/tenderflow/backend/internal/prompts"
	"github.com/tenderflow/backend/pkg/errs"
)

const aiMaxChars = 30000

// AIStrategy asks a model for the chapter list of the document text. Titles the model returns
// that do not occur in the document are discarded.
type AIStrategy struct {
	client  llm.Client
	prompts *prompts.Manager
	model   string
}

func NewAIStrategy(client llm.Client, pm *prompts.Manager, model string) *AIStrategy {
	return &AIStrategy{client: client, prompts: pm, model: model}
}

func (s *AIStrategy) Name() string { return MethodAI }

type aiChapters struct {
	Chapters []struct {
		Title string `json:"title"`
		Level int    `json:"level"`
	} `json:"chapters"`
}

func (s *AIStrategy) Parse(ctx context.Context, in *Input) (*Tree, map[string]int, error) {
	if s.client == nil {
		return nil, nil, errs.Configuration("ai structure", "no model client configured")
	}
	doc, err := in.Document(ctx)
	if err != nil {
		return nil, nil, err
	}

	text := doc.Text()
	truncated := 0
	if utf8.RuneCountInString(text) > aiMaxChars {
		runes := []rune(text)
		text = string(runes[:aiMaxChars])
		truncated = 1
	}
	if strings.TrimSpace(text) == "" {
		return &Tree{}, nil, nil
	}

	cfg, err := s.prompts.GetConfig(prompts.StructureAI)
	if err != nil {
		return nil, nil, err
	}
	prompt, err := s.prompts.Get(prompts.StructureAI, map[string]any{"document_text": text})
	if err != nil {
		return nil, nil, err
	}

	reply, err := s.client.Call(ctx, llm.Request{
		Prompt:       prompt,
		SystemPrompt: cfg.SystemPrompt,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		Purpose:      cfg.Purpose,
		Model:        s.model,
	})
	if err != nil {
		return nil, nil, err
	}

	var parsed aiChapters
	if err := llm.DecodeJSON(reply, &parsed); err != nil {
		return nil, nil, err
	}

	// Anchor each title at its paragraph so chapter ranges are usable downstream.
	index := make(map[string]int, len(doc.Paragraphs))
	for _, p := range doc.Paragraphs {
		n := evaluation.Normalize(p.Text)
		if _, ok := index[n]; !ok && p.TocLevel == 0 {
			index[n] = p.Index
		}
	}

	tree := &Tree{}
	dropped := 0
	for _, c := range parsed.Chapters {
		title := strings.TrimSpace(c.Title)
		pos, ok := index[evaluation.Normalize(title)]
		if title == "" || !ok {
			dropped++
			continue
		}
		tree.Add(title, c.Level, pos, doc.Paragraphs[pos].Page)
	}
	tree.Close(len(doc.Paragraphs))

	return tree, map[string]int{"dropped_titles": dropped, "truncated": truncated}, nil
}
