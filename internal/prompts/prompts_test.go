package prompts

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tenderflow/backend/pkg/errs"
)

func TestEveryTypeHasConfig(t *testing.T) {
	m := NewManager("")
	for _, typ := range Types {
		cfg, err := m.GetConfig(typ)
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if cfg.SystemPrompt == "" || cfg.MaxTokens <= 0 || cfg.Purpose == "" {
			t.Errorf("%s: incomplete config %+v", typ, cfg)
		}
	}

	todo, _ := m.GetConfig(TodoGenerator)
	extract, _ := m.GetConfig(RequirementExtractor)
	if todo.Temperature != 0.5 || extract.Temperature != 0.1 {
		t.Errorf("temperatures: todo=%v extract=%v", todo.Temperature, extract.Temperature)
	}
}

func TestGetFailsOnMissingVariable(t *testing.T) {
	m := NewManager("")
	_, err := m.Get(ChunkFilter, map[string]any{"chunk_content": "x", "prev_title": ""})
	if !errors.Is(err, errs.ErrMissingTemplateVariable) {
		t.Fatalf("expected missing variable error, got %v", err)
	}
	if !strings.Contains(err.Error(), "next_title") {
		t.Fatalf("error should name the variable: %v", err)
	}
}

func TestGetIsDeterministic(t *testing.T) {
	m := NewManager("")
	vars := map[string]any{"chunk_content": "★投标人须具有ISO 9001认证", "source_location": "第三章 2.1"}
	a, err := m.Get(RequirementExtractor, vars)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := m.Get(RequirementExtractor, vars)
	if a != b {
		t.Fatal("identical inputs rendered differently")
	}
	if !strings.Contains(a, "ISO 9001") || !strings.Contains(a, "第三章 2.1") {
		t.Fatalf("variables not rendered: %s", a)
	}
}

func TestBidEvaluatorTocHint(t *testing.T) {
	m := NewManager("")
	base := map[string]any{"chunk_title": "第二章 投标人须知", "chunk_content": "内容"}

	withToc := map[string]any{"has_toc": true}
	for k, v := range base {
		withToc[k] = v
	}
	a, err := m.Get(BidEvaluator, withToc)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Get(BidEvaluator, base)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("has_toc should change the rendered hint")
	}
	if !strings.Contains(a, "按目录章节切分") || !strings.Contains(b, "未识别到目录") {
		t.Fatalf("unexpected hints:\n%s\n---\n%s", a, b)
	}
}

func TestOverrideAndReload(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	before, err := m.GetSystemPrompt(ChunkFilter)
	if err != nil {
		t.Fatal(err)
	}

	override := `
prompts:
  chunk_filter:
    temperature: 0
    max_tokens: 100
    variables: [chunk_content]
    system: 自定义系统提示
    template: "内容：{{.chunk_content}}"
`
	if err := os.WriteFile(filepath.Join(dir, "prompts.yaml"), []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}

	cached, _ := m.GetSystemPrompt(ChunkFilter)
	if cached != before {
		t.Fatal("library must stay cached until Reload")
	}

	m.Reload()
	after, _ := m.GetSystemPrompt(ChunkFilter)
	if after != "自定义系统提示" {
		t.Fatalf("override not applied: %q", after)
	}
	out, err := m.Get(ChunkFilter, map[string]any{"chunk_content": "abc"})
	if err != nil || out != "内容：abc" {
		t.Fatalf("out=%q err=%v", out, err)
	}
	cfg, _ := m.GetConfig(ChunkFilter)
	if cfg.Purpose != "chunk_filter" {
		t.Fatalf("purpose should default to the type, got %q", cfg.Purpose)
	}
}

func TestDefaultAndReset(t *testing.T) {
	Reset()
	defer Reset()

	a := Default()
	if a != Default() {
		t.Fatal("Default should return the same manager")
	}
	Reset()
	if a == Default() {
		t.Fatal("Reset should drop the manager")
	}
	if err := Init(t.TempDir()); err != nil {
		t.Fatalf("Init: %v", err)
	}
}
