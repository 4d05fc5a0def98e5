package filter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tenderflow/backend/internal/llm"
	"github.com/tenderflow/backend/internal/llm/llmtest"
	"github.com/tenderflow/backend/internal/prompts"
	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/pkg/errs"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		reply      string
		valuable   bool
		confidence float64
		wantErr    error
	}{
		{"valuable", `{"is_valuable": true, "confidence": 0.92}`, true, 0.92, nil},
		{"noise fenced", "```json\n{\"is_valuable\": false, \"confidence\": 0.8}\n```", false, 0.8, nil},
		{"confidence clamped", `{"is_valuable": true, "confidence": 7}`, true, 1, nil},
		{"confidence defaulted", `{"is_valuable": false}`, false, defaultConfidence, nil},
		{"missing label", `{"confidence": 0.3}`, false, 0, errs.ErrAPI},
		{"not json", `我认为这段有价值`, false, 0, errs.ErrAPI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := llmtest.New(func(llm.Request) (string, error) { return tt.reply, nil })
			f := New(fake, prompts.NewManager(""))

			d, err := f.Classify(context.Background(), models.DocumentChunk{ChunkID: 3, Content: "投标人须具有ISO 9001认证"}, Neighbours{PrevTitle: "资格要求"}, "M-f")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if d.IsValuable != tt.valuable || d.Confidence != tt.confidence || d.ModelUsed != "M-f" {
				t.Fatalf("decision = %+v", d)
			}
		})
	}
}

func TestClassifySendsContext(t *testing.T) {
	fake := llmtest.New(func(llm.Request) (string, error) { return `{"is_valuable": true}`, nil })
	f := New(fake, prompts.NewManager(""))

	if _, err := f.Classify(context.Background(), models.DocumentChunk{Content: "正文"}, Neighbours{NextTitle: "评分办法"}, "M-f"); err != nil {
		t.Fatal(err)
	}
	calls := fake.CallsFor("chunk_filter")
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	req := calls[0]
	if req.Model != "M-f" || req.Temperature > 0.1 || !strings.Contains(req.Prompt, "评分办法") || !strings.Contains(req.Prompt, "上一节标题：无") {
		t.Fatalf("request = %+v", req)
	}
}

func TestClassifyRejectsEmptyChunk(t *testing.T) {
	f := New(llmtest.New(nil), prompts.NewManager(""))
	if _, err := f.Classify(context.Background(), models.DocumentChunk{Content: "  "}, Neighbours{}, "m"); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
