package document

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tenderflow/backend/internal/document/docxtest"
	"github.com/tenderflow/backend/pkg/errs"
)

func TestDocxParserReadsStructure(t *testing.T) {
	data := docxtest.Build(
		docxtest.TocEntry(1, "第一章 招标公告", 2),
		docxtest.TocEntry(2, "1.1 项目概况", 2),
		docxtest.PageBreak(),
		docxtest.Heading(1, "第一章 招标公告"),
		docxtest.Heading(2, "1.1 项目概况"),
		docxtest.Para("本项目为某市政务云采购项目。"),
		docxtest.Heading(3, "1.1.1 预算"),
		docxtest.Outline(2, "1.2 资格要求"),
		docxtest.ListItem("投标人须具有ISO 9001认证"),
		docxtest.Table([]string{"序号", "要求"}, []string{"1", "★须提供营业执照"}),
	)

	doc, err := DocxParser{}.Parse(context.Background(), "t.docx", data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := []struct {
		text    string
		outline int
		toc     int
		heading bool
		table   bool
		list    bool
		page    int
	}{
		{"第一章 招标公告", 0, 1, false, false, false, 1},
		{"1.1 项目概况", 0, 2, false, false, false, 1},
		{"第一章 招标公告", 1, 0, true, false, false, 2},
		{"1.1 项目概况", 2, 0, true, false, false, 2},
		{"本项目为某市政务云采购项目。", 0, 0, false, false, false, 2},
		{"1.1.1 预算", 3, 0, true, false, false, 2},
		{"1.2 资格要求", 2, 0, true, false, false, 2},
		{"投标人须具有ISO 9001认证", 0, 0, false, false, true, 2},
		{"序号 | 要求", 0, 0, false, true, false, 2},
		{"1 | ★须提供营业执照", 0, 0, false, true, false, 2},
	}
	if len(doc.Paragraphs) != len(want) {
		t.Fatalf("paragraphs = %d, want %d: %+v", len(doc.Paragraphs), len(want), doc.Paragraphs)
	}
	for i, w := range want {
		p := doc.Paragraphs[i]
		if p.Index != i || p.Text != w.text || p.OutlineLevel != w.outline || p.TocLevel != w.toc ||
			p.IsHeading != w.heading || p.IsTable != w.table || p.IsList != w.list || p.Page != w.page {
			t.Errorf("paragraph %d = %+v, want %+v", i, p, w)
		}
	}
}

func TestDocxParserRejectsGarbage(t *testing.T) {
	_, err := DocxParser{}.Parse(context.Background(), "bad.docx", []byte("not a zip"))
	if !errors.Is(err, errs.ErrDocumentParse) {
		t.Fatalf("expected document parse error, got %v", err)
	}
}

func TestEmptyDocxHasNoParagraphs(t *testing.T) {
	doc, err := DocxParser{}.Parse(context.Background(), "empty.docx", docxtest.Build())
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Paragraphs) != 0 || doc.Text() != "" {
		t.Fatalf("expected empty document, got %+v", doc.Paragraphs)
	}
}

func TestFromTextDetectsHeadings(t *testing.T) {
	doc := FromText("t.txt", "第一章 招标公告\n\n1.1 项目概况\n本项目预算100万元。\n第二节 资格\n（1）具有独立法人资格\n## 附录\n第三章 评标办法....................12\f下一页")

	cases := []struct {
		text    string
		outline int
		toc     int
		list    bool
		page    int
	}{
		{"第一章 招标公告", 1, 0, false, 1},
		{"1.1 项目概况", 2, 0, false, 1},
		{"本项目预算100万元。", 0, 0, false, 1},
		{"第二节 资格", 2, 0, false, 1},
		{"（1）具有独立法人资格", 0, 0, true, 1},
		{"附录", 2, 0, false, 1},
		{"第三章 评标办法", 0, 1, false, 1},
		{"下一页", 0, 0, false, 2},
	}
	if len(doc.Paragraphs) != len(cases) {
		t.Fatalf("paragraphs = %d: %+v", len(doc.Paragraphs), doc.Paragraphs)
	}
	for i, c := range cases {
		p := doc.Paragraphs[i]
		if p.Text != c.text || p.OutlineLevel != c.outline || p.TocLevel != c.toc || p.IsList != c.list || p.Page != c.page {
			t.Errorf("paragraph %d = %+v, want %+v", i, p, c)
		}
	}
}

func TestHTMLParser(t *testing.T) {
	page := `<html><head><script>x()</script></head><body>
<h1>第一章 总则</h1><p>说明文字</p>
<ul><li><p>条目一</p></li></ul>
<table><tr><th>项目</th><th>要求</th></tr><tr><td>资质</td><td>一级</td></tr></table>
</body></html>`
	doc, err := HTMLParser{}.Parse(context.Background(), "p.html", []byte(page))
	if err != nil {
		t.Fatal(err)
	}
	texts := []string{"第一章 总则", "说明文字", "条目一", "项目 | 要求", "资质 | 一级"}
	if len(doc.Paragraphs) != len(texts) {
		t.Fatalf("paragraphs: %+v", doc.Paragraphs)
	}
	for i, want := range texts {
		if doc.Paragraphs[i].Text != want {
			t.Errorf("paragraph %d = %q, want %q", i, doc.Paragraphs[i].Text, want)
		}
	}
	if doc.Paragraphs[0].OutlineLevel != 1 || !doc.Paragraphs[2].IsList || !doc.Paragraphs[3].IsTable {
		t.Errorf("flags not set: %+v", doc.Paragraphs)
	}
}

func TestParseFileDispatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.docx")
	if err := os.WriteFile(path, docxtest.Build(docxtest.Para("正文")), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := ParseFile(context.Background(), path)
	if err != nil || len(doc.Paragraphs) != 1 || doc.Name != "a.docx" {
		t.Fatalf("doc=%+v err=%v", doc, err)
	}

	if _, err := ParseFile(context.Background(), filepath.Join(dir, "a.pdf")); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("unsupported extension should be a validation error, got %v", err)
	}
	if _, err := ParseFile(context.Background(), filepath.Join(dir, "missing.docx")); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("missing file should be a validation error, got %v", err)
	}
}
