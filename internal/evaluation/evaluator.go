// Package evaluation scores structure-parser output against annotated chapter titles.
package evaluation

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

var sectionNumber = regexp.MustCompile(
	`^(?:第[一二三四五六七八九十百零〇\d]+[章节部分篇条]|\d+(?:\.\d+)*[\.、．]?|[一二三四五六七八九十]+[、\.．]|[（(][一二三四五六七八九十\d]+[）)]|[A-Za-z][\.、])`,
)

// Normalize strips the leading section number, whitespace, punctuation and case, so
// "第一章 招标公告", "1. 招标公告" and "招标公告" compare equal.
func Normalize(title string) string {
	s := strings.TrimSpace(title)
	for i := 0; i < 2; i++ {
		trimmed := strings.TrimSpace(sectionNumber.ReplaceAllString(s, ""))
		if trimmed == s || trimmed == "" {
			break
		}
		s = trimmed
	}

	var b strings.Builder
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

func titleSet(titles []string) map[string]struct{} {
	set := make(map[string]struct{}, len(titles))
	for _, t := range titles {
		if n := Normalize(t); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

type Score struct {
	Method    string  `json:"method"`
	Detected  int     `json:"detected"`
	Truth     int     `json:"truth"`
	Matched   int     `json:"matched"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// ScoreTitles matches detected against truth as sets of normalized titles.
// Swapping the arguments swaps precision and recall and leaves F1 unchanged.
func ScoreTitles(detected, truth []string) Score {
	d := titleSet(detected)
	g := titleSet(truth)

	matched := 0
	for t := range d {
		if _, ok := g[t]; ok {
			matched++
		}
	}

	s := Score{Detected: len(d), Truth: len(g), Matched: matched}
	if s.Detected > 0 {
		s.Precision = float64(matched) / float64(s.Detected)
	}
	if s.Truth > 0 {
		s.Recall = float64(matched) / float64(s.Truth)
	}
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}
	return s
}

// MethodTitles is the flattened output of one parser strategy.
type MethodTitles struct {
	Method string
	Titles []string
}

// Compare scores each method, preserving input order.
func Compare(methods []MethodTitles, truth []string) []Score {
	scores := make([]Score, 0, len(methods))
	for _, m := range methods {
		s := ScoreTitles(m.Titles, truth)
		s.Method = m.Method
		scores = append(scores, s)
	}
	return scores
}

// BestMethod is the argmax of F1; the earlier method wins a tie. Empty when nothing scored above zero.
func BestMethod(scores []Score) string {
	best := ""
	bestF1 := 0.0
	for _, s := range scores {
		if s.F1 > bestF1+1e-12 {
			best, bestF1 = s.Method, s.F1
		}
	}
	return best
}

// MajorityVote keeps the titles found by at least half of the lists, in order of first appearance.
func MajorityVote(lists [][]string) []string {
	if len(lists) == 0 {
		return nil
	}
	need := int(math.Ceil(float64(len(lists)) / 2))

	votes := map[string]int{}
	for _, l := range lists {
		for t := range titleSet(l) {
			votes[t]++
		}
	}

	var out []string
	seen := map[string]bool{}
	for _, l := range lists {
		for _, t := range l {
			n := Normalize(t)
			if n == "" || seen[n] || votes[n] < need {
				continue
			}
			seen[n] = true
			out = append(out, strings.TrimSpace(t))
		}
	}
	return out
}

// Round rounds to three decimals for reporting.
func Round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
