package risk

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tenderflow/backend/internal/filter"
	"github.com/tenderflow/backend/internal/llm"
	"github.com/tenderflow/backend/internal/prompts"
	"github.com/tenderflow/backend/internal/storage/models"
)

const (
	maxResponseRunes = 4000
	issueNoResponse  = "投标文件中未找到与该要求相关的内容"
)

var latinRun = regexp.MustCompile(`[A-Za-z0-9][A-Za-z0-9\-]*`)

// ExtractKeywords returns the search terms of a requirement in order of appearance: Latin and
// digit runs, domain terms from the table, and CJK bigrams when no term matched.
func (k *Keywords) ExtractKeywords(text string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(w string) {
		if w == "" || seen[w] || k.StopWords[w] {
			return
		}
		seen[w] = true
		out = append(out, w)
	}

	type hit struct {
		pos  int
		word string
	}
	var hits []hit
	for _, m := range latinRun.FindAllStringIndex(text, -1) {
		w := strings.Trim(text[m[0]:m[1]], "-")
		if len(w) >= 2 || unicode.IsDigit(rune(w[0])) {
			hits = append(hits, hit{m[0], w})
		}
	}

	masked := text
	termHits := 0
	for _, term := range k.Terms {
		for {
			i := strings.Index(masked, term)
			if i < 0 {
				break
			}
			hits = append(hits, hit{i, term})
			termHits++
			masked = masked[:i] + strings.Repeat(" ", len(term)) + masked[i+len(term):]
		}
	}

	if termHits == 0 {
		for _, h := range cjkBigrams(text) {
			if !k.stopBigram(h.word) {
				hits = append(hits, hit{h.pos, h.word})
			}
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	for _, h := range hits {
		add(h.word)
	}
	return out
}

func (k *Keywords) stopBigram(w string) bool {
	for s := range k.StopWords {
		if strings.Contains(s, w) || strings.Contains(w, s) {
			return true
		}
	}
	return false
}

type posWord struct {
	pos  int
	word string
}

func cjkBigrams(text string) []posWord {
	var out []posWord
	var prev rune
	prevPos := -1
	for i, r := range text {
		if !unicode.Is(unicode.Han, r) {
			prevPos = -1
			continue
		}
		if prevPos >= 0 {
			out = append(out, posWord{prevPos, string(prev) + string(r)})
		}
		prev, prevPos = r, i
	}
	return out
}

// RelatedParagraphs ranks paragraphs by the share of keywords they contain and returns the top k
// in rank order. Paragraphs containing no keyword are never returned.
func RelatedParagraphs(paragraphs []string, keywords []string, k int) []string {
	if len(keywords) == 0 || k <= 0 {
		return nil
	}
	type scored struct {
		idx   int
		score float64
	}
	var ranked []scored
	for i, p := range paragraphs {
		lp := strings.ToLower(p)
		weight, total := 0, 0
		for _, kw := range keywords {
			w := utf8.RuneCountInString(kw)
			total += w
			if strings.Contains(lp, strings.ToLower(kw)) {
				weight += w
			}
		}
		if weight > 0 {
			ranked = append(ranked, scored{i, float64(weight) / float64(total)})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = paragraphs[r.idx]
	}
	return out
}

// Auditor checks risk items against a response document.
type Auditor struct {
	client   llm.Client
	prompts  *prompts.Manager
	keywords *Keywords
	topK     int
}

func NewAuditor(client llm.Client, pm *prompts.Manager, kw *Keywords, topK int) *Auditor {
	if topK <= 0 {
		topK = 3
	}
	return &Auditor{client: client, prompts: pm, keywords: kw, topK: topK}
}

type auditorReply struct {
	ComplianceStatus  string   `json:"compliance_status"`
	MatchScore        *float64 `json:"match_score"`
	Issues            []string `json:"issues"`
	OverallAssessment string   `json:"overall_assessment"`
	FixSuggestion     string   `json:"fix_suggestion"`
	FixPriority       string   `json:"fix_priority"`
}

// Audit fills the reconciliation overlay of item. When no related content exists the item is
// non-compliant with a zero match score, and the model is not called.
func (a *Auditor) Audit(ctx context.Context, item *models.RiskItem, response []string, model string) error {
	keywords := a.keywords.ExtractKeywords(item.Requirement + " " + item.OriginalText)
	related := RelatedParagraphs(response, keywords, a.topK)
	if len(related) == 0 {
		applyReconcile(item, models.ReconcileResult{
			ComplianceStatus:  models.ComplianceNonCompliant,
			Issues:            []string{issueNoResponse},
			OverallAssessment: issueNoResponse,
		}, "")
		return nil
	}

	content := headRunes(strings.Join(related, "\n\n"), maxResponseRunes)
	out, err := call(ctx, a.client, a.prompts, prompts.ComplianceAuditor, map[string]any{
		"requirement":      item.Requirement,
		"original_text":    orDash(item.OriginalText),
		"response_content": content,
	}, model)
	if err != nil {
		return err
	}

	var r auditorReply
	if err := llm.DecodeJSON(out, &r); err != nil {
		return err
	}
	res := models.ReconcileResult{
		ComplianceStatus:  normalizeCompliance(r.ComplianceStatus),
		Issues:            r.Issues,
		OverallAssessment: strings.TrimSpace(r.OverallAssessment),
		FixSuggestion:     strings.TrimSpace(r.FixSuggestion),
		FixPriority:       strings.ToUpper(strings.TrimSpace(r.FixPriority)),
	}
	if r.MatchScore != nil {
		res.MatchScore = filter.Clamp(*r.MatchScore)
	}
	applyReconcile(item, res, content)
	return nil
}

func applyReconcile(item *models.RiskItem, res models.ReconcileResult, response string) {
	score := res.MatchScore
	item.ComplianceStatus = res.ComplianceStatus
	item.MatchScore = &score
	item.ResponseText = response
	item.ComplianceNote = res.OverallAssessment
	if item.ComplianceNote == "" && len(res.Issues) > 0 {
		item.ComplianceNote = strings.Join(res.Issues, "；")
	}
	item.Reconcile = &res
}

func normalizeCompliance(s string) string {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case models.ComplianceCompliant, models.CompliancePartial, models.ComplianceNonCompliant:
		return s
	}
	return models.ComplianceUnknown
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
