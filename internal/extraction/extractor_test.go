package extraction

import (
	"context"
	"errors"
	"testing"

	"github.com/tenderflow/backend/internal/llm"
	"github.com/tenderflow/backend/internal/llm/llmtest"
	"github.com/tenderflow/backend/internal/prompts"
	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/pkg/errs"
)

func chunk() models.DocumentChunk {
	return models.DocumentChunk{
		ChunkID:   9,
		ProjectID: 42,
		Content:   "★投标人须具有ISO 9001认证。技术方案完整得10分。",
		Metadata:  map[string]any{"section_title": "资格要求", "breadcrumb": "第二章 > 资格要求"},
	}
}

func TestExtractNormalizes(t *testing.T) {
	fake := llmtest.New(func(llm.Request) (string, error) {
		return `{"requirements": [
			{"constraint_type": "Scoring", "category": "资质", "detail": "★投标人须具有ISO 9001认证", "priority": "low", "confidence": 0.95},
			{"constraint_type": "评分", "category": "", "detail": "技术方案完整得10分", "priority": "", "confidence": 1.4},
			{"constraint_type": "weird", "category": "服务", "detail": "建议提供驻场服务", "source_location": "2.3"},
			{"constraint_type": "mandatory", "detail": "   "}
		]}`, nil
	})
	e := New(fake, prompts.NewManager(""))

	reqs, err := e.Extract(context.Background(), chunk(), "M-e")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(reqs) != 3 {
		t.Fatalf("requirements = %d, want 3", len(reqs))
	}

	first := reqs[0]
	if first.ConstraintType != models.ConstraintMandatory || first.Priority != models.PriorityHigh {
		t.Errorf("star marker should force mandatory/high: %+v", first)
	}
	if first.ChunkID == nil || *first.ChunkID != 9 || first.ProjectID != 42 || first.ExtractionModel != "M-e" {
		t.Errorf("provenance missing: %+v", first)
	}
	if first.SourceLocation != "第二章 > 资格要求" {
		t.Errorf("location should fall back to the breadcrumb: %q", first.SourceLocation)
	}

	second := reqs[1]
	if second.ConstraintType != models.ConstraintScoring || second.Category != defaultCategory ||
		second.Priority != models.PriorityMedium || second.ExtractionConfidence != 1 {
		t.Errorf("second = %+v", second)
	}

	third := reqs[2]
	if third.ConstraintType != models.ConstraintOptional || third.Priority != models.PriorityLow ||
		third.ExtractionConfidence != defaultConfidence || third.SourceLocation != "2.3" {
		t.Errorf("third = %+v", third)
	}
}

func TestExtractAcceptsBareArrayAndEmpty(t *testing.T) {
	replies := []string{
		`[{"constraint_type": "optional", "category": "其他", "detail": "可提供样品"}]`,
		`{"requirements": []}`,
	}
	for i, r := range replies {
		reply := r
		e := New(llmtest.New(func(llm.Request) (string, error) { return reply, nil }), prompts.NewManager(""))
		reqs, err := e.Extract(context.Background(), chunk(), "M-e")
		if err != nil {
			t.Fatalf("reply %d: %v", i, err)
		}
		if len(reqs) != 1-i {
			t.Fatalf("reply %d: requirements = %d", i, len(reqs))
		}
	}
}

func TestExtractPropagatesAPIError(t *testing.T) {
	e := New(llmtest.New(func(llm.Request) (string, error) {
		return "", errs.API("fake", errors.New("503"))
	}), prompts.NewManager(""))
	if _, err := e.Extract(context.Background(), chunk(), "M-e"); !errs.IsRetryable(err) {
		t.Fatalf("expected API error, got %v", err)
	}
}
