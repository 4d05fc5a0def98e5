package risk

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/evaluation"
	"github.com/tenderflow/backend/internal/llm"
	"github.com/tenderflow/backend/internal/prompts"
	"github.com/tenderflow/backend/pkg/logger"
)

const (
	EntryCore    = "core"
	EntryExclude = "exclude"
	EntryNormal  = "normal"
)

type TocEntry struct {
	Title     string `json:"title"`
	Page      int    `json:"page,omitempty"`
	Level     int    `json:"level"`
	EntryType string `json:"entry_type"`
	Reason    string `json:"reason,omitempty"`
	// ParentID is the index of the enclosing entry, -1 at the top level.
	ParentID int `json:"parent_toc_id"`
}

// PageRange is inclusive; End 0 means the end of the document.
type PageRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type TocResult struct {
	HasToc            bool        `json:"has_toc"`
	Entries           []TocEntry  `json:"entries"`
	ExcludeChapters   []string    `json:"exclude_chapters"`
	CoreChapters      []string    `json:"core_chapters"`
	ExcludePageRanges []PageRange `json:"exclude_page_ranges"`
	// Source is "ai" or "rules".
	Source string `json:"source,omitempty"`
}

func emptyToc(source string) TocResult {
	return TocResult{
		Entries:           []TocEntry{},
		ExcludeChapters:   []string{},
		CoreChapters:      []string{},
		ExcludePageRanges: []PageRange{},
		Source:            source,
	}
}

var (
	tocMarker  = regexp.MustCompile(`^(目\s*录|目\s*次|contents|table of contents)$`)
	leaderLine = regexp.MustCompile(`^(.+?)\s*[.．。…·\-_]{2,}\s*(\d{1,4})$`)
	spacedPage = regexp.MustCompile(`^(第[一二三四五六七八九十百零〇0-9]+[章节部分篇].*?|\d+(?:\.\d+)*[.、\s].*?)\s+(\d{1,4})$`)
	chapterRe  = regexp.MustCompile(`^第[一二三四五六七八九十百零〇0-9]+[章部分篇]`)
	sectionRe  = regexp.MustCompile(`^第[一二三四五六七八九十百零〇0-9]+节`)
	subNumRe   = regexp.MustCompile(`^\d+\.\d+`)
	cnItemRe   = regexp.MustCompile(`^[一二三四五六七八九十]+、`)
)

const (
	maxTitleRunes    = 60
	maxTocMisses     = 5
	minTocEntries    = 2
	minLeaderEntries = 3
)

// parseTocLine recognises "title .... 12" and "第一章 title 12".
func parseTocLine(line string) (title string, page int, ok bool) {
	m := leaderLine.FindStringSubmatch(line)
	if m == nil {
		m = spacedPage.FindStringSubmatch(line)
	}
	if m == nil {
		return "", 0, false
	}
	title = strings.TrimSpace(m[1])
	if title == "" || utf8.RuneCountInString(title) > maxTitleRunes {
		return "", 0, false
	}
	page, _ = strconv.Atoi(m[2])
	return title, page, true
}

func headingLevel(title string) int {
	switch {
	case chapterRe.MatchString(title):
		return 1
	case sectionRe.MatchString(title), subNumRe.MatchString(title), cnItemRe.MatchString(title):
		return 2
	}
	return 1
}

// stripLeader removes a trailing dot leader and page number.
func stripLeader(line string) string {
	if title, _, ok := parseTocLine(line); ok {
		return title
	}
	return line
}

func lineKey(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || utf8.RuneCountInString(line) > maxTitleRunes+8 {
		return ""
	}
	return evaluation.Normalize(stripLeader(line))
}

// ExtractTOC finds an embedded table of contents in the head of text using layout rules only.
func ExtractTOC(text string, scanChars int, kw *Keywords) TocResult {
	head := headRunes(text, scanChars)
	lines := strings.Split(strings.ReplaceAll(head, "\f", "\n"), "\n")

	var entries []TocEntry
	markerAt := -1
	for i, l := range lines {
		if tocMarker.MatchString(strings.ToLower(strings.TrimSpace(l))) {
			markerAt = i
			break
		}
	}

	if markerAt >= 0 {
		entries = scanAfterMarker(lines[markerAt+1:])
	}
	if len(entries) < minTocEntries {
		entries = nil
		for _, l := range lines {
			if title, page, ok := parseTocLine(strings.TrimSpace(l)); ok {
				entries = append(entries, TocEntry{Title: title, Page: page, Level: headingLevel(title)})
			}
		}
		if len(entries) < minLeaderEntries {
			entries = nil
		}
	}
	if len(entries) < minTocEntries {
		return emptyToc("rules")
	}
	return buildResult(entries, kw, "rules")
}

func scanAfterMarker(lines []string) []TocEntry {
	var entries []TocEntry
	seen := make(map[string]bool)
	misses := 0
	for _, raw := range lines {
		l := strings.TrimSpace(raw)
		if l == "" {
			continue
		}
		title, page, ok := parseTocLine(l)
		if !ok && (chapterRe.MatchString(l) || sectionRe.MatchString(l)) && utf8.RuneCountInString(l) <= maxTitleRunes {
			title, ok = l, true
		}
		if !ok {
			misses++
			if misses >= maxTocMisses && len(entries) > 0 {
				break
			}
			continue
		}
		key := evaluation.Normalize(title)
		if seen[key] {
			// The body repeats the first headings once the listing ends.
			break
		}
		seen[key] = true
		misses = 0
		entries = append(entries, TocEntry{Title: title, Page: page, Level: headingLevel(title)})
	}
	return entries
}

// buildResult links parents, classifies entries and derives the summary lists. Children of
// an excluded chapter are excluded with it.
func buildResult(entries []TocEntry, kw *Keywords, source string) TocResult {
	res := emptyToc(source)
	res.HasToc = true

	var stack []int
	for i := range entries {
		e := &entries[i]
		if e.Level < 1 {
			e.Level = 1
		}
		for len(stack) > 0 && entries[stack[len(stack)-1]].Level >= e.Level {
			stack = stack[:len(stack)-1]
		}
		e.ParentID = -1
		if len(stack) > 0 {
			e.ParentID = stack[len(stack)-1]
		}
		stack = append(stack, i)

		switch e.EntryType {
		case EntryCore, EntryExclude, EntryNormal:
		default:
			e.EntryType, e.Reason = kw.Classify(e.Title)
		}
		if e.ParentID >= 0 && entries[e.ParentID].EntryType == EntryExclude && e.EntryType != EntryExclude {
			e.EntryType = EntryExclude
			e.Reason = "所属章节已排除"
		}
	}

	for i, e := range entries {
		switch e.EntryType {
		case EntryExclude:
			res.ExcludeChapters = append(res.ExcludeChapters, e.Title)
			if e.Page > 0 && (e.ParentID < 0 || entries[e.ParentID].EntryType != EntryExclude) {
				res.ExcludePageRanges = append(res.ExcludePageRanges, PageRange{Start: e.Page, End: nextPage(entries, i) - 1})
			}
		case EntryCore:
			res.CoreChapters = append(res.CoreChapters, e.Title)
		}
	}
	res.Entries = entries
	return res
}

// nextPage is the page of the next entry outside the subtree of entries[i], or 1 when none.
func nextPage(entries []TocEntry, i int) int {
	for j := i + 1; j < len(entries); j++ {
		if entries[j].Level <= entries[i].Level && entries[j].Page > 0 {
			if entries[j].Page <= entries[i].Page {
				return entries[i].Page + 1
			}
			return entries[j].Page
		}
	}
	return 1
}

func headRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Navigator classifies chapters with the TOC navigator prompt and falls back to the rule-based
// extractor when the model gives nothing usable.
type Navigator struct {
	client    llm.Client
	prompts   *prompts.Manager
	keywords  *Keywords
	scanChars int
}

func NewNavigator(client llm.Client, pm *prompts.Manager, kw *Keywords, scanChars int) *Navigator {
	if scanChars <= 0 {
		scanChars = 15000
	}
	return &Navigator{client: client, prompts: pm, keywords: kw, scanChars: scanChars}
}

type navigatorReply struct {
	HasToc   bool `json:"has_toc"`
	Chapters []struct {
		Title          string `json:"title"`
		Level          int    `json:"level"`
		Page           int    `json:"page"`
		Classification string `json:"classification"`
		Reason         string `json:"reason"`
	} `json:"chapters"`
}

func (n *Navigator) Navigate(ctx context.Context, text, model string) TocResult {
	head := headRunes(text, n.scanChars)

	res, err := n.ask(ctx, head, model)
	if err == nil && res.HasToc {
		return res
	}
	if err != nil {
		logger.Warn("TOC navigator failed, using rule-based extraction", zap.Error(err))
	} else {
		logger.Info("TOC navigator found no chapters, using rule-based extraction")
	}
	return ExtractTOC(text, n.scanChars, n.keywords)
}

func (n *Navigator) ask(ctx context.Context, head, model string) (TocResult, error) {
	out, err := call(ctx, n.client, n.prompts, prompts.TocNavigator, map[string]any{
		"document_head":    strings.ReplaceAll(head, "\f", "\n"),
		"exclude_keywords": strings.Join(n.keywords.ExcludeChapters, "、"),
		"core_keywords":    strings.Join(n.keywords.CoreChapters, "、"),
	}, model)
	if err != nil {
		return TocResult{}, err
	}

	var r navigatorReply
	if err := llm.DecodeJSON(out, &r); err != nil {
		return TocResult{}, err
	}
	if !r.HasToc {
		return emptyToc("ai"), nil
	}

	// Titles the model invented do not anchor anything; drop them.
	headKey := evaluation.Normalize(head)
	var entries []TocEntry
	for _, c := range r.Chapters {
		title := strings.TrimSpace(c.Title)
		key := evaluation.Normalize(title)
		if key == "" || !strings.Contains(headKey, key) {
			continue
		}
		level := c.Level
		if level < 1 || level > 6 {
			level = headingLevel(title)
		}
		entries = append(entries, TocEntry{
			Title:     title,
			Page:      c.Page,
			Level:     level,
			EntryType: strings.ToLower(strings.TrimSpace(c.Classification)),
			Reason:    c.Reason,
		})
	}
	if len(entries) < minTocEntries {
		return emptyToc("ai"), nil
	}
	return buildResult(entries, n.keywords, "ai"), nil
}
