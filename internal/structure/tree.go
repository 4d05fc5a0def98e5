package structure

// Chapter is an arena entry; relations are ids into Tree.Chapters.
type Chapter struct {
	ID       int    `json:"id"`
	Title    string `json:"title"`
	Level    int    `json:"level"`
	ParentID int    `json:"parent_id"`
	Start    int    `json:"start_paragraph"`
	End      int    `json:"end_paragraph"`
	Page     int    `json:"page,omitempty"`
	Children []int  `json:"children,omitempty"`
}

// Tree is built in document order; a chapter's parent is the nearest earlier chapter of a lower level.
type Tree struct {
	Chapters []Chapter
	stack    []int
}

func (t *Tree) Add(title string, level, start, page int) int {
	if level < 1 {
		level = 1
	}
	for len(t.stack) > 0 && t.Chapters[t.stack[len(t.stack)-1]].Level >= level {
		t.stack = t.stack[:len(t.stack)-1]
	}
	parent := -1
	if len(t.stack) > 0 {
		parent = t.stack[len(t.stack)-1]
	}

	id := len(t.Chapters)
	t.Chapters = append(t.Chapters, Chapter{
		ID:       id,
		Title:    title,
		Level:    level,
		ParentID: parent,
		Start:    start,
		End:      -1,
		Page:     page,
	})
	if parent >= 0 {
		t.Chapters[parent].Children = append(t.Chapters[parent].Children, id)
	}
	t.stack = append(t.stack, id)
	return id
}

// Close sets each chapter's end to the start of the next chapter at the same or a higher level.
func (t *Tree) Close(total int) {
	for i := range t.Chapters {
		end := total
		for j := i + 1; j < len(t.Chapters); j++ {
			if t.Chapters[j].Level <= t.Chapters[i].Level {
				end = t.Chapters[j].Start
				break
			}
		}
		t.Chapters[i].End = end
	}
}

func (t *Tree) Titles() []string {
	out := make([]string, len(t.Chapters))
	for i, c := range t.Chapters {
		out[i] = c.Title
	}
	return out
}

func (t *Tree) MaxDepth() int {
	depth := 0
	for _, c := range t.Chapters {
		d := 1
		for p := c.ParentID; p >= 0; p = t.Chapters[p].ParentID {
			d++
		}
		if d > depth {
			depth = d
		}
	}
	return depth
}

// Node is the nested form used in API responses.
type Node struct {
	Title    string `json:"title"`
	Level    int    `json:"level"`
	Page     int    `json:"page,omitempty"`
	Start    int    `json:"start_paragraph"`
	End      int    `json:"end_paragraph"`
	Children []Node `json:"children,omitempty"`
}

func (t *Tree) Nodes() []Node {
	var build func(id int) Node
	build = func(id int) Node {
		c := t.Chapters[id]
		n := Node{Title: c.Title, Level: c.Level, Page: c.Page, Start: c.Start, End: c.End}
		for _, child := range c.Children {
			n.Children = append(n.Children, build(child))
		}
		return n
	}

	nodes := []Node{}
	for _, c := range t.Chapters {
		if c.ParentID < 0 {
			nodes = append(nodes, build(c.ID))
		}
	}
	return nodes
}
