package risk

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"text/template"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

//go:embed keywords.yaml
var defaultKeywords []byte

type summaryTemplates struct {
	Empty    string `yaml:"empty"`
	Counts   string `yaml:"counts"`
	HighHint string `yaml:"high_hint"`
}

type keywordFile struct {
	ExcludeChapters []string         `yaml:"exclude_chapters"`
	CoreChapters    []string         `yaml:"core_chapters"`
	ContractMarkers []string         `yaml:"contract_markers"`
	ChapterMarkers  []string         `yaml:"chapter_markers"`
	Terms           []string         `yaml:"terms"`
	StopWords       []string         `yaml:"stop_words"`
	Summary         summaryTemplates `yaml:"summary"`
}

// Keywords holds the classification tables used across the analyzer.
type Keywords struct {
	ExcludeChapters []string
	CoreChapters    []string
	Terms           []string
	StopWords       map[string]bool

	contractMarkers []*regexp.Regexp
	chapterMarkers  []*regexp.Regexp
	emptySummary    string
	countsSummary   *template.Template
	highHint        string
}

// LoadKeywords reads the embedded tables and applies path on top of them when set.
func LoadKeywords(path string) (*Keywords, error) {
	var kf keywordFile
	if err := yaml.Unmarshal(defaultKeywords, &kf); err != nil {
		return nil, fmt.Errorf("failed to parse default keywords: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read keywords file: %w", err)
		}
		var override keywordFile
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to parse keywords file %s: %w", path, err)
		}
		kf.merge(override)
	}

	return kf.compile()
}

// DefaultKeywords returns the embedded tables. They are known to compile.
func DefaultKeywords() *Keywords {
	k, err := LoadKeywords("")
	if err != nil {
		panic(err)
	}
	return k
}

func (kf *keywordFile) merge(o keywordFile) {
	replace := func(dst *[]string, src []string) {
		if len(src) > 0 {
			*dst = src
		}
	}
	replace(&kf.ExcludeChapters, o.ExcludeChapters)
	replace(&kf.CoreChapters, o.CoreChapters)
	replace(&kf.ContractMarkers, o.ContractMarkers)
	replace(&kf.ChapterMarkers, o.ChapterMarkers)
	replace(&kf.Terms, o.Terms)
	replace(&kf.StopWords, o.StopWords)
	if o.Summary.Empty != "" {
		kf.Summary.Empty = o.Summary.Empty
	}
	if o.Summary.Counts != "" {
		kf.Summary.Counts = o.Summary.Counts
	}
	if o.Summary.HighHint != "" {
		kf.Summary.HighHint = o.Summary.HighHint
	}
}

func (kf keywordFile) compile() (*Keywords, error) {
	k := &Keywords{
		ExcludeChapters: kf.ExcludeChapters,
		CoreChapters:    kf.CoreChapters,
		StopWords:       make(map[string]bool, len(kf.StopWords)),
		emptySummary:    kf.Summary.Empty,
		highHint:        kf.Summary.HighHint,
	}
	for _, w := range kf.StopWords {
		k.StopWords[w] = true
	}

	// Longest first so that 营业执照 is preferred over a shorter overlapping term.
	k.Terms = append([]string(nil), kf.Terms...)
	sort.SliceStable(k.Terms, func(i, j int) bool {
		return utf8.RuneCountInString(k.Terms[i]) > utf8.RuneCountInString(k.Terms[j])
	})

	var err error
	if k.contractMarkers, err = compileAll(kf.ContractMarkers); err != nil {
		return nil, err
	}
	if k.chapterMarkers, err = compileAll(kf.ChapterMarkers); err != nil {
		return nil, err
	}
	k.countsSummary, err = template.New("summary").Parse(kf.Summary.Counts)
	if err != nil {
		return nil, fmt.Errorf("failed to parse summary template: %w", err)
	}
	return k, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid keyword pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Classify assigns a TOC entry type from the chapter tables. Exclusion wins over core.
func (k *Keywords) Classify(title string) (entryType, reason string) {
	for _, w := range k.ExcludeChapters {
		if strings.Contains(title, w) {
			return EntryExclude, "命中排除关键词：" + w
		}
	}
	for _, w := range k.CoreChapters {
		if strings.Contains(title, w) {
			return EntryCore, "命中核心关键词：" + w
		}
	}
	return EntryNormal, ""
}

func (k *Keywords) isContractStart(line string) bool {
	return matchAny(k.contractMarkers, line)
}

func (k *Keywords) isChapterStart(line string) bool {
	return matchAny(k.chapterMarkers, line)
}

func matchAny(res []*regexp.Regexp, line string) bool {
	for _, re := range res {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}
