// Package ingestion turns a parsed document into the ordered chunk stream of pipeline step 1.
package ingestion

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/document"
	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/pkg/logger"
)

const (
	ChunkHeading   = "heading"
	ChunkParagraph = "paragraph"
	ChunkTable     = "table"
	ChunkList      = "list"
)

// ChunkStore persists chunks; inserting an existing (project, index) pair is a no-op.
type ChunkStore interface {
	InsertChunk(ctx context.Context, chunk *models.DocumentChunk) (bool, error)
}

type Processor struct {
	minChars int
	maxChars int
}

func NewProcessor(minChars, maxChars int) *Processor {
	if minChars < 0 {
		minChars = 0
	}
	if maxChars <= 0 {
		maxChars = 3000
	}
	return &Processor{minChars: minChars, maxChars: maxChars}
}

type section struct {
	title string
	level int
}

type pending struct {
	kind  string
	parts []string
	start int
	end   int
	page  int
}

// Chunk groups paragraphs into typed chunks. Headings stand alone; consecutive table rows and
// list items are merged; short body paragraphs are merged forward until they reach the minimum
// size; anything above the maximum is split at sentence boundaries. TOC entries are skipped.
func (p *Processor) Chunk(projectID int64, doc *document.Document) []models.DocumentChunk {
	var chunks []models.DocumentChunk
	var trail []section
	var cur *pending

	emit := func(kind, content string, start, end, page int) {
		meta := map[string]any{
			"paragraph_start": start,
			"paragraph_end":   end,
			"page":            page,
		}
		if len(trail) > 0 {
			meta["section_title"] = trail[len(trail)-1].title
			names := make([]string, len(trail))
			for i, s := range trail {
				names[i] = s.title
			}
			meta["breadcrumb"] = strings.Join(names, " > ")
		}
		chunks = append(chunks, models.DocumentChunk{
			ProjectID:  projectID,
			ChunkIndex: len(chunks),
			ChunkType:  kind,
			Content:    content,
			Metadata:   meta,
		})
	}

	flush := func() {
		if cur == nil {
			return
		}
		sep := "\n"
		content := strings.Join(cur.parts, sep)
		for _, piece := range p.split(content) {
			emit(cur.kind, piece, cur.start, cur.end, cur.page)
		}
		cur = nil
	}

	for _, para := range doc.Paragraphs {
		switch {
		case para.TocLevel > 0:
			continue
		case para.IsHeading && para.OutlineLevel > 0:
			flush()
			for len(trail) > 0 && trail[len(trail)-1].level >= para.OutlineLevel {
				trail = trail[:len(trail)-1]
			}
			emit(ChunkHeading, para.Text, para.Index, para.Index, para.Page)
			meta := chunks[len(chunks)-1].Metadata
			meta["heading_level"] = para.OutlineLevel
			trail = append(trail, section{title: para.Text, level: para.OutlineLevel})
			continue
		}

		kind := ChunkParagraph
		if para.IsTable {
			kind = ChunkTable
		} else if para.IsList {
			kind = ChunkList
		}

		if cur != nil && (cur.kind != kind || kind == ChunkParagraph && p.size(cur) >= p.minChars) {
			flush()
		}
		if cur == nil {
			cur = &pending{kind: kind, start: para.Index, page: para.Page}
		}
		cur.parts = append(cur.parts, para.Text)
		cur.end = para.Index
	}
	flush()

	return chunks
}

func (p *Processor) size(b *pending) int {
	n := 0
	for _, s := range b.parts {
		n += utf8.RuneCountInString(s)
	}
	return n
}

var sentenceEnds = []rune{'。', '；', '！', '？', '\n', '.', ';', '!', '?'}

func isSentenceEnd(r rune) bool {
	for _, e := range sentenceEnds {
		if r == e {
			return true
		}
	}
	return false
}

// split cuts text into pieces of at most maxChars runes, preferring sentence boundaries.
func (p *Processor) split(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	var out []string
	for len(runes) > p.maxChars {
		cut := p.maxChars
		for i := p.maxChars; i > p.maxChars/2; i-- {
			if isSentenceEnd(runes[i-1]) {
				cut = i
				break
			}
		}
		if piece := strings.TrimSpace(string(runes[:cut])); piece != "" {
			out = append(out, piece)
		}
		runes = runes[cut:]
	}
	if piece := strings.TrimSpace(string(runes)); piece != "" {
		out = append(out, piece)
	}
	return out
}

// Ingest chunks the document and stores every chunk. Chunks already stored for the project are
// left untouched, so a rerun of step 1 never duplicates.
func (p *Processor) Ingest(ctx context.Context, store ChunkStore, projectID int64, doc *document.Document) (total, inserted int, err error) {
	chunks := p.Chunk(projectID, doc)
	for i := range chunks {
		if err := ctx.Err(); err != nil {
			return len(chunks), inserted, err
		}
		ok, err := store.InsertChunk(ctx, &chunks[i])
		if err != nil {
			return len(chunks), inserted, fmt.Errorf("failed to insert chunk %d: %w", chunks[i].ChunkIndex, err)
		}
		if ok {
			inserted++
		}
	}

	logger.Info("Document chunked",
		zap.Int64("project_id", projectID),
		zap.Int("paragraphs", len(doc.Paragraphs)),
		zap.Int("chunks", len(chunks)),
		zap.Int("inserted", inserted),
	)
	return len(chunks), inserted, nil
}
