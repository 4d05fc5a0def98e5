package document

import (
	"bufio"
	"bytes"
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/tenderflow/backend/pkg/errs"
)

type TextParser struct{}

var (
	chapterHeading = regexp.MustCompile(`^第[一二三四五六七八九十百零〇\d]+[章部篇]`)
	sectionHeading = regexp.MustCompile(`^第[一二三四五六七八九十百零〇\d]+节`)
	numberHeading  = regexp.MustCompile(`^(\d+(?:\.\d+){0,3})[\.、\s]\s*\S`)
	listItem       = regexp.MustCompile(`^(?:[-*•]\s|[（(]\d+[）)]|\d+[）)])`)
	tocEntry       = regexp.MustCompile(`^(.+?)[\.…·\s]{3,}(\d+)$`)
)

// headingLevel guesses the outline level of a line of plain text. Lines that look like
// sentences are never headings.
func headingLevel(line string) int {
	if strings.HasPrefix(line, "#") {
		n := len(line) - len(strings.TrimLeft(line, "#"))
		if n <= 6 && len(line) > n && line[n] == ' ' {
			return n
		}
		return 0
	}
	if utf8.RuneCountInString(line) > 40 || strings.HasSuffix(line, "。") || strings.HasSuffix(line, "；") {
		return 0
	}
	switch {
	case chapterHeading.MatchString(line):
		return 1
	case sectionHeading.MatchString(line):
		return 2
	}
	if m := numberHeading.FindStringSubmatch(line); m != nil {
		return strings.Count(m[1], ".") + 1
	}
	return 0
}

func (TextParser) Parse(ctx context.Context, name string, data []byte) (*Document, error) {
	if !utf8.Valid(data) {
		return nil, errs.DocumentParse("parse text", errInvalidUTF8)
	}
	doc := &Document{Name: name}
	page := 1

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		for strings.Contains(line, "\f") {
			i := strings.Index(line, "\f")
			doc.append(textParagraph(line[:i], page))
			page++
			line = line[i+1:]
		}
		doc.append(textParagraph(line, page))
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.DocumentParse("parse text", err)
	}
	return doc, ctx.Err()
}

func textParagraph(line string, page int) Paragraph {
	line = strings.TrimSpace(line)
	p := Paragraph{Text: line, Page: page}

	if m := tocEntry.FindStringSubmatch(line); m != nil && headingLevel(strings.TrimSpace(m[1])) > 0 {
		p.Text = strings.TrimSpace(m[1])
		p.TocLevel = headingLevel(p.Text)
		return p
	}
	if lvl := headingLevel(line); lvl > 0 {
		p.Text = strings.TrimSpace(strings.TrimLeft(line, "#"))
		p.OutlineLevel = lvl
		p.IsHeading = true
		return p
	}
	if strings.HasPrefix(line, "|") && strings.HasSuffix(line, "|") {
		p.IsTable = true
		return p
	}
	p.IsList = listItem.MatchString(line)
	return p
}
