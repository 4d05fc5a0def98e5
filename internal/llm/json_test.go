package llm

import (
	"errors"
	"testing"

	"github.com/tenderflow/backend/pkg/errs"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\": [1,2]}\n```", `{"a": [1,2]}`},
		{"prose around", "结果如下：\n[{\"x\":\"}\"}]\n以上。", `[{"x":"}"}]`},
		{"escaped quote", `{"t":"a\"}b"} trailing`, `{"t":"a\"}b"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.reply)
			if err != nil {
				t.Fatalf("ExtractJSON: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeJSONFailureIsRetryable(t *testing.T) {
	var v map[string]any
	err := DecodeJSON("抱歉，我无法回答", &v)
	if !errors.Is(err, errs.ErrAPI) {
		t.Fatalf("expected API error, got %v", err)
	}
	if err := DecodeJSON(`{"ok": true`, &v); err == nil {
		t.Fatal("truncated json must fail")
	}
}
