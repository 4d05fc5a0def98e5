// Package document turns uploaded files into ordered paragraph streams.
package document

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

type Paragraph struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
	Style string `json:"style,omitempty"`
	// OutlineLevel is 1-based; 0 means body text.
	OutlineLevel int `json:"outline_level,omitempty"`
	// TocLevel is set for entries of an embedded table of contents.
	TocLevel  int  `json:"toc_level,omitempty"`
	IsHeading bool `json:"is_heading,omitempty"`
	IsTable   bool `json:"is_table,omitempty"`
	IsList    bool `json:"is_list,omitempty"`
	Page      int  `json:"page"`
}

type Document struct {
	Name       string      `json:"name"`
	Paragraphs []Paragraph `json:"paragraphs"`
}

// Text joins the paragraphs with newlines.
func (d *Document) Text() string {
	var b strings.Builder
	for i, p := range d.Paragraphs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

func (d *Document) append(p Paragraph) {
	p.Text = strings.TrimSpace(p.Text)
	if p.Text == "" {
		return
	}
	if p.Page == 0 {
		p.Page = 1
	}
	p.Index = len(d.Paragraphs)
	d.Paragraphs = append(d.Paragraphs, p)
}

// Parser reads one document format.
type Parser interface {
	Parse(ctx context.Context, name string, data []byte) (*Document, error)
}

var parsers = map[string]Parser{
	".docx": DocxParser{},
	".txt":  TextParser{},
	".md":   TextParser{},
	".html": HTMLParser{},
	".htm":  HTMLParser{},
}

// ParserFor returns the parser registered for the file extension of name.
func ParserFor(name string) (Parser, error) {
	ext := strings.ToLower(filepath.Ext(name))
	p, ok := parsers[ext]
	if !ok {
		return nil, errs.Validation("parse document", "unsupported file type %q", ext)
	}
	return p, nil
}

func ParseFile(ctx context.Context, path string) (*Document, error) {
	p, err := ParserFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Validation("parse document", "file %s does not exist", path)
		}
		return nil, errs.DocumentParse("parse document", fmt.Errorf("failed to read %s: %w", path, err))
	}

	doc, err := p.Parse(ctx, filepath.Base(path), data)
	if err != nil {
		return nil, err
	}
	logger.Info("Document parsed",
		zap.String("name", doc.Name),
		zap.Int("paragraphs", len(doc.Paragraphs)),
	)
	return doc, nil
}

// FromText wraps already extracted text. Lines become paragraphs; markdown and numbered
// headings get an outline level.
func FromText(name, text string) *Document {
	doc, _ := TextParser{}.Parse(context.Background(), name, []byte(text))
	return doc
}
