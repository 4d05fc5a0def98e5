package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/llm"
	"github.com/tenderflow/backend/internal/prompts"
	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/pkg/logger"
)

var assignees = map[string]bool{"commerce": true, "technical": true, "legal": true, "finance": true, "pm": true}

var priorityByLevel = map[string]string{
	models.RiskHigh:   "P0",
	models.RiskMedium: "P1",
	models.RiskLow:    "P2",
}

// TodoGenerator turns risk items into assigned actions, a batch at a time.
type TodoGenerator struct {
	client    llm.Client
	prompts   *prompts.Manager
	batchSize int
}

func NewTodoGenerator(client llm.Client, pm *prompts.Manager, batchSize int) *TodoGenerator {
	if batchSize <= 0 {
		batchSize = 20
	}
	return &TodoGenerator{client: client, prompts: pm, batchSize: batchSize}
}

type todoBrief struct {
	Index       int    `json:"index"`
	RiskLevel   string `json:"risk_level"`
	RiskType    string `json:"risk_type"`
	Requirement string `json:"requirement"`
	Suggestion  string `json:"suggestion,omitempty"`
}

// Generate attaches todos to items in place, matching them by item Index. A failed batch leaves
// its items without todos; the number of such batches is returned.
func (g *TodoGenerator) Generate(ctx context.Context, items []models.RiskItem, model string, progress func(done, total int)) (failed int) {
	batches := (len(items) + g.batchSize - 1) / g.batchSize
	for b := 0; b < batches; b++ {
		if ctx.Err() != nil {
			return failed + batches - b
		}
		lo := b * g.batchSize
		hi := min(lo+g.batchSize, len(items))

		todos, err := g.batch(ctx, items[lo:hi], model)
		if err != nil {
			failed++
			logger.Warn("Todo batch failed", zap.Int("batch", b), zap.Error(err))
		}
		// A reply may only annotate the items it was shown.
		byIndex := make(map[int]*models.RiskItem, hi-lo)
		for i := lo; i < hi; i++ {
			byIndex[items[i].Index] = &items[i]
		}
		for _, t := range todos {
			item, ok := byIndex[t.Index]
			if !ok {
				continue
			}
			normalizeTodo(&t, item.RiskLevel)
			todo := t
			item.Todo = &todo
			item.TodoAction = todo.Action
		}
		if progress != nil {
			progress(b+1, batches)
		}
	}
	return failed
}

func (g *TodoGenerator) batch(ctx context.Context, items []models.RiskItem, model string) ([]models.TodoItem, error) {
	briefs := make([]todoBrief, len(items))
	for i, it := range items {
		briefs[i] = todoBrief{
			Index:       it.Index,
			RiskLevel:   it.RiskLevel,
			RiskType:    it.RiskType,
			Requirement: it.Requirement,
			Suggestion:  it.Suggestion,
		}
	}
	payload, err := json.MarshalIndent(briefs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal risk items: %w", err)
	}

	out, err := call(ctx, g.client, g.prompts, prompts.TodoGenerator, map[string]any{
		"risk_items": string(payload),
	}, model)
	if err != nil {
		return nil, err
	}

	var r struct {
		Todos []models.TodoItem `json:"todos"`
	}
	if err := llm.DecodeJSON(out, &r); err != nil {
		if llm.DecodeJSON(out, &r.Todos) != nil {
			return nil, err
		}
	}
	return r.Todos, nil
}

func normalizeTodo(t *models.TodoItem, level string) {
	t.Action = strings.TrimSpace(t.Action)
	t.AssigneeType = strings.ToLower(strings.TrimSpace(t.AssigneeType))
	if !assignees[t.AssigneeType] {
		t.AssigneeType = "pm"
	}
	t.Priority = strings.ToUpper(strings.TrimSpace(t.Priority))
	switch t.Priority {
	case "P0", "P1", "P2":
	default:
		t.Priority = priorityByLevel[level]
	}
	checklist := t.Checklist[:0]
	for _, c := range t.Checklist {
		if c = strings.TrimSpace(c); c != "" {
			checklist = append(checklist, c)
		}
	}
	t.Checklist = checklist
}
