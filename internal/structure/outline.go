package structure

import "context"

// OutlineStrategy maps paragraph outline levels directly to tree depth.
type OutlineStrategy struct{}

func (OutlineStrategy) Name() string { return MethodOutline }

func (OutlineStrategy) Parse(ctx context.Context, in *Input) (*Tree, map[string]int, error) {
	doc, err := in.Document(ctx)
	if err != nil {
		return nil, nil, err
	}

	tree := &Tree{}
	for _, p := range doc.Paragraphs {
		if p.OutlineLevel > 0 && p.TocLevel == 0 && !p.IsTable {
			tree.Add(p.Text, p.OutlineLevel, p.Index, p.Page)
		}
	}
	tree.Close(len(doc.Paragraphs))
	return tree, nil, nil
}
