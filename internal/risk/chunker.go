package risk

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/evaluation"
	"github.com/tenderflow/backend/pkg/logger"
)

const (
	ChunkChapter  = "chapter"
	ChunkPreamble = "preamble"
	ChunkSized    = "size"
)

const minPreambleRunes = 50

type Chunk struct {
	Index     int    `json:"index"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	PageStart int    `json:"page_start,omitempty"`
	PageEnd   int    `json:"page_end,omitempty"`
	ChunkType string `json:"chunk_type"`
	IsCore    bool   `json:"is_core"`
}

type line struct {
	text string
	page int
}

func splitLines(text string) []line {
	raw := strings.Split(text, "\n")
	out := make([]line, 0, len(raw))
	page := 1
	for _, r := range raw {
		page += strings.Count(r, "\f")
		out = append(out, line{text: strings.TrimSpace(strings.ReplaceAll(r, "\f", "")), page: page})
	}
	return out
}

func runeLen(lines []line) int {
	n := 0
	for _, l := range lines {
		n += utf8.RuneCountInString(l.text) + 1
	}
	return n
}

func joinLines(lines []line) string {
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		if l.text != "" {
			parts = append(parts, l.text)
		}
	}
	return strings.Join(parts, "\n")
}

// Chunker segments a tender for the bid evaluator.
type Chunker struct {
	ChunkSize    int
	MaxChunkSize int
	Keywords     *Keywords
}

func NewChunker(chunkSize, maxChunkSize int, kw *Keywords) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 5000
	}
	if maxChunkSize < chunkSize {
		maxChunkSize = chunkSize
	}
	return &Chunker{ChunkSize: chunkSize, MaxChunkSize: maxChunkSize, Keywords: kw}
}

// Split follows the TOC when one was found and falls back to size-based segmentation otherwise.
// Excluded chapters never reach the output.
func (c *Chunker) Split(text string, toc TocResult) []Chunk {
	lines := splitLines(text)

	var chunks []Chunk
	if toc.HasToc {
		chunks = c.byToc(lines, toc)
		if chunks == nil {
			logger.Warn("No TOC entry could be anchored in the body, using size-based chunking",
				zap.Int("entries", len(toc.Entries)))
		}
	}
	if chunks == nil {
		chunks = c.bySize(lines)
	}

	out := chunks[:0]
	for _, ch := range chunks {
		if strings.TrimSpace(ch.Content) == "" {
			continue
		}
		ch.Index = len(out)
		out = append(out, ch)
	}
	return out
}

type anchor struct {
	entry int
	line  int
}

func (c *Chunker) byToc(lines []line, toc TocResult) []Chunk {
	keys := make(map[string]bool, len(toc.Entries))
	for _, e := range toc.Entries {
		if k := evaluation.Normalize(e.Title); k != "" {
			keys[k] = true
		}
	}

	blockStart, body := tocBlock(lines, keys)

	var anchors []anchor
	cursor := body
	for ei, e := range toc.Entries {
		key := evaluation.Normalize(e.Title)
		if key == "" {
			continue
		}
		for i := cursor; i < len(lines); i++ {
			if lineKey(lines[i].text) == key {
				anchors = append(anchors, anchor{entry: ei, line: i})
				cursor = i + 1
				break
			}
		}
	}
	anchors = anchorExcluded(lines, toc.Entries, anchors, body)
	if len(anchors) == 0 {
		return nil
	}
	excise := unanchoredExclude(toc.Entries, anchors)
	if excise {
		logger.Warn("Excluded TOC entry not found in the body, excising contract text by markers")
	}

	var chunks []Chunk
	preamble := append(append([]line(nil), lines[:blockStart]...), lines[body:anchors[0].line]...)
	if runeLen(preamble) >= minPreambleRunes && joinLines(preamble) != "" {
		chunks = append(chunks, c.sized(preamble, "前言", ChunkPreamble, false)...)
	}

	type section struct {
		root  int
		title string
		core  bool
		lines []line
	}
	var sections []section
	for i, a := range anchors {
		e := toc.Entries[a.entry]
		if e.EntryType == EntryExclude {
			continue
		}
		end := len(lines)
		if i+1 < len(anchors) {
			end = anchors[i+1].line
		}
		root := rootOf(toc.Entries, a.entry)
		text := lines[a.line:end]
		if excise {
			text = c.exciseContracts(text)
		}
		sections = append(sections, section{
			root:  root,
			title: e.Title,
			core:  e.EntryType == EntryCore || toc.Entries[root].EntryType == EntryCore,
			lines: text,
		})
	}

	// Neighbouring sections of one top-level chapter share a chunk while they fit.
	for i := 0; i < len(sections); {
		cur := sections[i]
		buf := append([]line(nil), cur.lines...)
		core := cur.core
		j := i + 1
		for j < len(sections) && sections[j].root == cur.root && runeLen(buf)+runeLen(sections[j].lines) <= c.ChunkSize {
			buf = append(buf, sections[j].lines...)
			core = core || sections[j].core
			j++
		}
		chunks = append(chunks, c.sized(buf, cur.title, ChunkChapter, core)...)
		i = j
	}
	return chunks
}

// anchorExcluded places excluded entries the exact pass missed, accepting a body heading that
// extends the title ("合同格式（示范文本）") or shares most of its bigrams. The search stays
// between the anchors of the neighbouring entries.
func anchorExcluded(lines []line, entries []TocEntry, anchors []anchor, body int) []anchor {
	placed := make(map[int]int, len(anchors))
	for _, a := range anchors {
		placed[a.entry] = a.line
	}
	for ei, e := range entries {
		if _, ok := placed[ei]; ok || e.EntryType != EntryExclude {
			continue
		}
		key := evaluation.Normalize(e.Title)
		if key == "" {
			continue
		}
		lo, hi := body, len(lines)
		for _, a := range anchors {
			if a.entry < ei && a.line+1 > lo {
				lo = a.line + 1
			}
			if a.entry > ei && a.line < hi {
				hi = a.line
			}
		}
		for i := lo; i < hi; i++ {
			if looseTitleMatch(key, lineKey(lines[i].text)) {
				placed[ei] = i
				anchors = insertAnchor(anchors, anchor{entry: ei, line: i})
				break
			}
		}
	}
	return anchors
}

func looseTitleMatch(key, candidate string) bool {
	if candidate == "" {
		return false
	}
	if strings.HasPrefix(candidate, key) {
		return true
	}
	n, m := utf8.RuneCountInString(key), utf8.RuneCountInString(candidate)
	return n >= 2 && m <= 2*n+4 && Overlap(key, candidate) >= 0.75
}

func insertAnchor(anchors []anchor, a anchor) []anchor {
	i := 0
	for i < len(anchors) && anchors[i].line < a.line {
		i++
	}
	anchors = append(anchors, anchor{})
	copy(anchors[i+1:], anchors[i:])
	anchors[i] = a
	return anchors
}

// unanchoredExclude reports an excluded entry whose text could not be cut out: neither it nor
// any of its ancestors was found in the body.
func unanchoredExclude(entries []TocEntry, anchors []anchor) bool {
	placed := make(map[int]bool, len(anchors))
	for _, a := range anchors {
		placed[a.entry] = true
	}
	for ei, e := range entries {
		if e.EntryType != EntryExclude {
			continue
		}
		found := false
		for i := ei; i >= 0; i = entries[i].ParentID {
			if placed[i] {
				found = true
				break
			}
		}
		if !found {
			return true
		}
	}
	return false
}

// tocBlock returns the line where a printed TOC starts and the first body line after it.
// Both are 0 when the document prints no TOC.
func tocBlock(lines []line, keys map[string]bool) (start, body int) {
	start = -1
	first := 0
	for i, l := range lines {
		if tocMarker.MatchString(strings.ToLower(l.text)) {
			start, first = i, i+1
			break
		}
		if _, _, ok := parseTocLine(l.text); ok && keys[lineKey(l.text)] {
			start, first = i, i
			break
		}
	}
	if start < 0 {
		return 0, 0
	}

	seen := make(map[string]bool)
	j := first
	for ; j < len(lines); j++ {
		t := lines[j].text
		if t == "" {
			continue
		}
		k := lineKey(t)
		_, _, leader := parseTocLine(t)
		if (keys[k] || leader) && !seen[k] {
			seen[k] = true
			continue
		}
		break
	}
	return start, j
}

func rootOf(entries []TocEntry, i int) int {
	for entries[i].ParentID >= 0 {
		i = entries[i].ParentID
	}
	return i
}

// sized emits lines as one chunk, or as numbered parts when they exceed MaxChunkSize.
func (c *Chunker) sized(lines []line, title, chunkType string, core bool) []Chunk {
	if runeLen(lines) <= c.MaxChunkSize {
		return []Chunk{newChunk(lines, title, chunkType, core)}
	}
	parts := c.pack(lines)
	out := make([]Chunk, 0, len(parts))
	for i, p := range parts {
		out = append(out, newChunk(p, fmt.Sprintf("%s（%d/%d）", title, i+1, len(parts)), chunkType, core))
	}
	return out
}

func newChunk(lines []line, title, chunkType string, core bool) Chunk {
	ch := Chunk{Title: title, Content: joinLines(lines), ChunkType: chunkType, IsCore: core}
	if len(lines) > 0 {
		ch.PageStart = lines[0].page
		ch.PageEnd = lines[len(lines)-1].page
	}
	return ch
}

func (c *Chunker) bySize(lines []line) []Chunk {
	kept := c.exciseContracts(lines)
	parts := c.pack(kept)
	chunks := make([]Chunk, 0, len(parts))
	for i, p := range parts {
		title := headingOf(p)
		if title == "" {
			title = fmt.Sprintf("片段 %d", i+1)
		}
		typ, _ := c.Keywords.Classify(title)
		chunks = append(chunks, newChunk(p, title, ChunkSized, typ == EntryCore))
	}
	return chunks
}

// exciseContracts drops lines from a contract marker up to the next non-contract chapter.
func (c *Chunker) exciseContracts(lines []line) []line {
	out := make([]line, 0, len(lines))
	skipping := false
	dropped := 0
	for _, l := range lines {
		switch {
		case c.Keywords.isContractStart(l.text):
			skipping = true
		case skipping && c.Keywords.isChapterStart(l.text):
			skipping = false
		}
		if skipping {
			dropped++
			continue
		}
		out = append(out, l)
	}
	if dropped > 0 {
		logger.Info("Contract sections excised", zap.Int("lines", dropped))
	}
	return out
}

// pack groups lines into parts of about ChunkSize runes, breaking at paragraph and then
// sentence boundaries.
func (c *Chunker) pack(lines []line) [][]line {
	var parts [][]line
	var cur []line
	size := 0
	flush := func() {
		if joinLines(cur) != "" {
			parts = append(parts, cur)
		}
		cur, size = nil, 0
	}
	add := func(l line) {
		n := utf8.RuneCountInString(l.text) + 1
		if size > 0 && size+n > c.ChunkSize {
			flush()
		}
		cur = append(cur, l)
		size += n
	}

	for _, l := range lines {
		if utf8.RuneCountInString(l.text) <= c.ChunkSize {
			add(l)
			continue
		}
		for _, s := range sentences(l.text) {
			for _, piece := range hardCut(s, c.ChunkSize) {
				add(line{text: piece, page: l.page})
			}
		}
	}
	flush()
	return parts
}

func hardCut(s string, n int) []string {
	r := []rune(s)
	if len(r) <= n {
		return []string{s}
	}
	var out []string
	for len(r) > n {
		out = append(out, string(r[:n]))
		r = r[n:]
	}
	if len(r) > 0 {
		out = append(out, string(r))
	}
	return out
}

// sentences splits CJK text at full-width terminators and mostly-Latin text with prose.
func sentences(text string) []string {
	if latinShare(text) > 0.5 {
		doc, err := prose.NewDocument(text, prose.WithTagging(false), prose.WithExtraction(false))
		if err == nil {
			var out []string
			for _, s := range doc.Sentences() {
				if t := strings.TrimSpace(s.Text); t != "" {
					out = append(out, t)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}

	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		switch r {
		case '。', '！', '？', '；', '!', '?', ';':
			if t := strings.TrimSpace(b.String()); t != "" {
				out = append(out, t)
			}
			b.Reset()
		}
	}
	if t := strings.TrimSpace(b.String()); t != "" {
		out = append(out, t)
	}
	return out
}

func latinShare(s string) float64 {
	letters, latin := 0, 0
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if r < unicode.MaxLatin1 {
			latin++
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(latin) / float64(letters)
}

func headingOf(lines []line) string {
	for _, l := range lines {
		t := l.text
		if t == "" {
			continue
		}
		if utf8.RuneCountInString(t) <= 30 && (chapterRe.MatchString(t) || sectionRe.MatchString(t) || subNumRe.MatchString(t) || cnItemRe.MatchString(t)) {
			return t
		}
	}
	return ""
}
