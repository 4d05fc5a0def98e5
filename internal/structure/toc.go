package structure

import (
	"context"
	"errors"

	"github.com/tenderflow/backend/internal/evaluation"
)

var errNoToc = errors.New("document has no table of contents")

// TocExactStrategy takes the embedded table of contents as the chapter list and anchors each
// entry at the first matching body paragraph after the TOC.
type TocExactStrategy struct{}

func (TocExactStrategy) Name() string { return MethodTocExact }

func (TocExactStrategy) Parse(ctx context.Context, in *Input) (*Tree, map[string]int, error) {
	doc, err := in.Document(ctx)
	if err != nil {
		return nil, nil, err
	}

	type entry struct {
		title string
		level int
	}
	var entries []entry
	lastToc := -1
	for _, p := range doc.Paragraphs {
		if p.TocLevel > 0 {
			entries = append(entries, entry{p.Text, p.TocLevel})
			lastToc = p.Index
		}
	}
	if len(entries) == 0 {
		return nil, nil, errNoToc
	}

	tree := &Tree{}
	cursor := lastToc + 1
	unmatched := 0
	for _, e := range entries {
		want := evaluation.Normalize(e.title)
		found := -1
		for i := cursor; i < len(doc.Paragraphs); i++ {
			p := doc.Paragraphs[i]
			if p.TocLevel == 0 && !p.IsTable && evaluation.Normalize(p.Text) == want {
				found = i
				break
			}
		}
		if found < 0 {
			unmatched++
			continue
		}
		tree.Add(e.title, e.level, found, doc.Paragraphs[found].Page)
		cursor = found + 1
	}
	if len(tree.Chapters) == 0 {
		return nil, nil, errors.New("no table of contents entry was found in the body")
	}
	tree.Close(len(doc.Paragraphs))

	return tree, map[string]int{"toc_entries": len(entries), "unmatched_entries": unmatched}, nil
}
