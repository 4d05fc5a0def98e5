// Package extraction turns valuable chunks into typed requirements.
package extraction

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/filter"
	"github.com/tenderflow/backend/internal/llm"
	"github.com/tenderflow/backend/internal/prompts"
	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

const (
	defaultCategory   = "其他"
	defaultConfidence = 0.7
	maxDetailRunes    = 2000
)

type Extractor struct {
	client  llm.Client
	prompts *prompts.Manager
}

func New(client llm.Client, pm *prompts.Manager) *Extractor {
	return &Extractor{client: client, prompts: pm}
}

type rawRequirement struct {
	ConstraintType string   `json:"constraint_type"`
	Category       string   `json:"category"`
	Subcategory    string   `json:"subcategory"`
	Detail         string   `json:"detail"`
	SourceLocation string   `json:"source_location"`
	Priority       string   `json:"priority"`
	Confidence     *float64 `json:"confidence"`
}

type reply struct {
	Requirements []rawRequirement `json:"requirements"`
}

// Extract returns the requirements of one chunk in reply order. An empty list is a valid answer.
func (e *Extractor) Extract(ctx context.Context, chunk models.DocumentChunk, model string) ([]models.Requirement, error) {
	if strings.TrimSpace(chunk.Content) == "" {
		return nil, errs.Validation("extract requirements", "chunk %d has no content", chunk.ChunkID)
	}

	location := chunk.Title()
	if bc, ok := chunk.Metadata["breadcrumb"].(string); ok && bc != "" {
		location = bc
	}

	cfg, err := e.prompts.GetConfig(prompts.RequirementExtractor)
	if err != nil {
		return nil, err
	}
	prompt, err := e.prompts.Get(prompts.RequirementExtractor, map[string]any{
		"chunk_content":   chunk.Content,
		"source_location": location,
	})
	if err != nil {
		return nil, err
	}

	out, err := e.client.Call(ctx, llm.Request{
		Prompt:       prompt,
		SystemPrompt: cfg.SystemPrompt,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		Purpose:      cfg.Purpose,
		Model:        model,
	})
	if err != nil {
		return nil, err
	}

	var r reply
	if err := llm.DecodeJSON(out, &r); err != nil {
		// Some models answer with a bare array.
		var list []rawRequirement
		if llm.DecodeJSON(out, &list) != nil {
			return nil, err
		}
		r.Requirements = list
	}

	if model == "" {
		model = e.client.ModelInfo().Model
	}
	chunkID := chunk.ChunkID
	reqs := make([]models.Requirement, 0, len(r.Requirements))
	for _, raw := range r.Requirements {
		req, ok := Normalize(raw.toRequirement(), location)
		if !ok {
			continue
		}
		req.ProjectID = chunk.ProjectID
		req.ChunkID = &chunkID
		req.ExtractionModel = model
		reqs = append(reqs, req)
	}

	logger.Debug("Requirements extracted",
		zap.Int64("chunk_id", chunk.ChunkID),
		zap.Int("returned", len(r.Requirements)),
		zap.Int("kept", len(reqs)),
	)
	return reqs, nil
}

func (raw rawRequirement) toRequirement() models.Requirement {
	req := models.Requirement{
		ConstraintType:       raw.ConstraintType,
		Category:             raw.Category,
		Subcategory:          raw.Subcategory,
		Detail:               raw.Detail,
		SourceLocation:       raw.SourceLocation,
		Priority:             raw.Priority,
		ExtractionConfidence: -1,
	}
	if raw.Confidence != nil {
		req.ExtractionConfidence = *raw.Confidence
	}
	return req
}

var constraintAliases = map[string]string{
	"mandatory": models.ConstraintMandatory,
	"required":  models.ConstraintMandatory,
	"must":      models.ConstraintMandatory,
	"强制":        models.ConstraintMandatory,
	"必须":        models.ConstraintMandatory,
	"实质性":       models.ConstraintMandatory,
	"scoring":   models.ConstraintScoring,
	"score":     models.ConstraintScoring,
	"评分":        models.ConstraintScoring,
	"optional":  models.ConstraintOptional,
	"advisory":  models.ConstraintOptional,
	"可选":        models.ConstraintOptional,
	"建议":        models.ConstraintOptional,
}

var mandatoryMarkers = []string{"★", "▲", "必须", "不得", "否则视为无效", "废标"}

var defaultPriority = map[string]string{
	models.ConstraintMandatory: models.PriorityHigh,
	models.ConstraintScoring:   models.PriorityMedium,
	models.ConstraintOptional:  models.PriorityLow,
}

// Normalize coerces a model-produced requirement into the stored vocabulary. Requirements
// without a detail are dropped.
func Normalize(req models.Requirement, fallbackLocation string) (models.Requirement, bool) {
	req.Detail = strings.TrimSpace(req.Detail)
	if req.Detail == "" {
		return req, false
	}
	if utf8.RuneCountInString(req.Detail) > maxDetailRunes {
		req.Detail = string([]rune(req.Detail)[:maxDetailRunes])
	}

	ct, ok := constraintAliases[strings.ToLower(strings.TrimSpace(req.ConstraintType))]
	if !ok {
		ct = models.ConstraintOptional
	}
	for _, m := range mandatoryMarkers {
		if strings.Contains(req.Detail, m) {
			ct = models.ConstraintMandatory
			break
		}
	}
	req.ConstraintType = ct

	req.Category = strings.TrimSpace(req.Category)
	if req.Category == "" {
		req.Category = defaultCategory
	}
	req.Subcategory = strings.TrimSpace(req.Subcategory)

	switch p := strings.ToLower(strings.TrimSpace(req.Priority)); p {
	case models.PriorityHigh, models.PriorityMedium, models.PriorityLow:
		req.Priority = p
	default:
		req.Priority = defaultPriority[ct]
	}
	if ct == models.ConstraintMandatory {
		req.Priority = models.PriorityHigh
	}

	if req.ExtractionConfidence < 0 {
		req.ExtractionConfidence = defaultConfidence
	}
	req.ExtractionConfidence = filter.Clamp(req.ExtractionConfidence)

	if strings.TrimSpace(req.SourceLocation) == "" {
		req.SourceLocation = fallbackLocation
	}
	return req, true
}
