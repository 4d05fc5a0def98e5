package risk

import (
	"strings"

	"github.com/tenderflow/backend/internal/storage/models"
)

const dedupPrefixRunes = 80

type Weights struct {
	High   int
	Medium int
	Low    int
	Max    int
}

func DefaultWeights() Weights {
	return Weights{High: 15, Medium: 8, Low: 3, Max: 100}
}

func (w Weights) of(level string) int {
	switch level {
	case models.RiskHigh:
		return w.High
	case models.RiskMedium:
		return w.Medium
	case models.RiskLow:
		return w.Low
	}
	return 0
}

// Score is the capped sum of per-level weights.
func Score(items []models.RiskItem, w Weights) int {
	total := 0
	for _, it := range items {
		total += w.of(it.RiskLevel)
	}
	if w.Max > 0 && total > w.Max {
		return w.Max
	}
	return total
}

type Counts struct {
	Total  int `json:"total"`
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
	Score  int `json:"score"`
	// Warnings counts items whose quote only partly matched the chunk.
	Warnings int `json:"warnings"`
}

func CountItems(items []models.RiskItem, w Weights) Counts {
	c := Counts{Total: len(items), Score: Score(items, w)}
	for _, it := range items {
		switch it.RiskLevel {
		case models.RiskHigh:
			c.High++
		case models.RiskMedium:
			c.Medium++
		case models.RiskLow:
			c.Low++
		}
		if it.Warning != "" {
			c.Warnings++
		}
	}
	return c
}

// Summary renders the summary templates of the keyword tables.
func (k *Keywords) Summary(c Counts) string {
	if c.Total == 0 {
		return k.emptySummary
	}
	var b strings.Builder
	if err := k.countsSummary.Execute(&b, c); err != nil {
		return k.emptySummary
	}
	if c.High > 0 && k.highHint != "" {
		b.WriteString(k.highHint)
	}
	return b.String()
}

func levelRank(level string) int {
	switch level {
	case models.RiskHigh:
		return 3
	case models.RiskMedium:
		return 2
	case models.RiskLow:
		return 1
	}
	return 0
}

func dedupKey(it models.RiskItem) string {
	s := strings.TrimSpace(it.Requirement)
	if s == "" {
		s = strings.TrimSpace(it.OriginalText)
	}
	s = strings.ToLower(s)
	if r := []rune(s); len(r) > dedupPrefixRunes {
		s = string(r[:dedupPrefixRunes])
	}
	return s
}

// Dedup keeps the first item per normalized requirement, raised to the highest level seen
// among its duplicates. Indexes are reassigned in order.
func Dedup(items []models.RiskItem) []models.RiskItem {
	out := make([]models.RiskItem, 0, len(items))
	pos := make(map[string]int, len(items))
	for _, it := range items {
		key := dedupKey(it)
		if i, ok := pos[key]; ok {
			if levelRank(it.RiskLevel) > levelRank(out[i].RiskLevel) {
				out[i].RiskLevel = it.RiskLevel
			}
			continue
		}
		pos[key] = len(out)
		out = append(out, it)
	}
	for i := range out {
		out[i].Index = i
	}
	return out
}
