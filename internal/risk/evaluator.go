package risk

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/llm"
	"github.com/tenderflow/backend/internal/prompts"
	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/pkg/logger"
)

// Original-text overlap thresholds.
const (
	overlapPass = 0.6
	overlapKeep = 0.2
)

const (
	warnPartialQuote = "原文与片段内容仅部分吻合，请人工核对"
	warnNoQuote      = "未提供原文摘录，请人工核对"
)

var riskTypes = map[string]bool{
	"qualification": true,
	"technical":     true,
	"commercial":    true,
	"format":        true,
	"deadline":      true,
	"other":         true,
}

var riskLevelAliases = map[string]string{
	"high":   models.RiskHigh,
	"高":      models.RiskHigh,
	"高风险":    models.RiskHigh,
	"medium": models.RiskMedium,
	"中":      models.RiskMedium,
	"中风险":    models.RiskMedium,
	"low":    models.RiskLow,
	"低":      models.RiskLow,
	"低风险":    models.RiskLow,
}

// Evaluator runs the bid evaluator prompt over one chunk at a time.
type Evaluator struct {
	client  llm.Client
	prompts *prompts.Manager
}

func NewEvaluator(client llm.Client, pm *prompts.Manager) *Evaluator {
	return &Evaluator{client: client, prompts: pm}
}

type evaluatorItem struct {
	Location      string `json:"location"`
	Requirement   string `json:"requirement"`
	OriginalText  string `json:"original_text"`
	PositionIndex int    `json:"position_index"`
	DeepAnalysis  string `json:"deep_analysis"`
	RiskLevel     string `json:"risk_level"`
	RiskType      string `json:"risk_type"`
	Suggestion    string `json:"suggestion"`
}

// Evaluate returns the risk items of one chunk. Items whose quote cannot be found in the chunk
// are dropped; partial matches carry a warning.
func (e *Evaluator) Evaluate(ctx context.Context, chunk Chunk, hasToc bool, model string) ([]models.RiskItem, error) {
	out, err := call(ctx, e.client, e.prompts, prompts.BidEvaluator, map[string]any{
		"has_toc":       hasToc,
		"chunk_title":   chunk.Title,
		"chunk_content": chunk.Content,
	}, model)
	if err != nil {
		return nil, err
	}

	var raw []evaluatorItem
	if err := llm.DecodeJSON(out, &raw); err != nil {
		var wrapped struct {
			Items []evaluatorItem `json:"risk_items"`
		}
		if llm.DecodeJSON(out, &wrapped) != nil {
			return nil, err
		}
		raw = wrapped.Items
	}

	items := make([]models.RiskItem, 0, len(raw))
	dropped := 0
	for _, r := range raw {
		item, ok := toRiskItem(r, chunk)
		if !ok {
			dropped++
			continue
		}
		items = append(items, item)
	}
	if dropped > 0 {
		logger.Warn("Risk items dropped for quoting text outside the chunk",
			zap.Int("chunk", chunk.Index),
			zap.Int("dropped", dropped),
		)
	}
	return items, nil
}

func toRiskItem(r evaluatorItem, chunk Chunk) (models.RiskItem, bool) {
	item := models.RiskItem{
		Location:      strings.TrimSpace(r.Location),
		Requirement:   strings.TrimSpace(r.Requirement),
		OriginalText:  strings.TrimSpace(r.OriginalText),
		PositionIndex: r.PositionIndex,
		DeepAnalysis:  strings.TrimSpace(r.DeepAnalysis),
		RiskLevel:     normalizeLevel(r.RiskLevel),
		RiskType:      strings.ToLower(strings.TrimSpace(r.RiskType)),
		Suggestion:    strings.TrimSpace(r.Suggestion),
		SourceChunk:   chunk.Index,
		ChunkTitle:    chunk.Title,
	}
	if item.Requirement == "" && item.OriginalText == "" {
		return item, false
	}
	if item.Requirement == "" {
		item.Requirement = item.OriginalText
	}
	if !riskTypes[item.RiskType] {
		item.RiskType = "other"
	}
	if item.Location == "" {
		item.Location = chunk.Title
	}

	if item.OriginalText == "" {
		item.Warning = warnNoQuote
		return item, true
	}
	if pos := strings.Index(chunk.Content, item.OriginalText); pos >= 0 {
		item.PositionIndex = utf8.RuneCountInString(chunk.Content[:pos])
		return item, true
	}

	switch o := Overlap(item.OriginalText, chunk.Content); {
	case o >= overlapPass:
	case o >= overlapKeep:
		item.Warning = warnPartialQuote
	default:
		return item, false
	}
	if item.PositionIndex < 0 {
		item.PositionIndex = 0
	}
	return item, true
}

func normalizeLevel(s string) string {
	if l, ok := riskLevelAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l
	}
	return models.RiskMedium
}

// Overlap is the share of the quote's character bigrams that occur in source, ignoring
// whitespace and punctuation. An exact substring scores 1.
func Overlap(quote, source string) float64 {
	q := []rune(compact(quote))
	s := compact(source)
	if len(q) == 0 {
		return 0
	}
	if strings.Contains(s, string(q)) {
		return 1
	}
	if len(q) == 1 {
		return 0
	}

	sr := []rune(s)
	grams := make(map[[2]rune]struct{}, len(sr))
	for i := 0; i+1 < len(sr); i++ {
		grams[[2]rune{sr[i], sr[i+1]}] = struct{}{}
	}
	hit := 0
	for i := 0; i+1 < len(q); i++ {
		if _, ok := grams[[2]rune{q[i], q[i+1]}]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(q)-1)
}

func compact(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
