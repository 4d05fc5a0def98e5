package document

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/tenderflow/backend/pkg/errs"
)

var (
	errInvalidUTF8   = errors.New("content is not valid UTF-8")
	errMissingBody   = errors.New("word/document.xml not found")
	headingStyleName = regexp.MustCompile(`(?i)^(?:heading|标题)\s*(\d)$`)
	tocStyleName     = regexp.MustCompile(`(?i)^(?:toc|目录)\s*(\d)$`)
	listStyleName    = regexp.MustCompile(`(?i)list`)
)

// DocxParser reads WordprocessingML packages: paragraph styles, outline levels, tables and
// explicit page breaks.
type DocxParser struct{}

type styleInfo struct {
	name         string
	basedOn      string
	outlineLevel int // 1-based, 0 when unset
}

type styleSheet map[string]styleInfo

// resolve walks basedOn links for the outline level and returns the heading/TOC levels of a style.
func (s styleSheet) resolve(id string) (outline, toc int, name string) {
	seen := map[string]bool{}
	cur := id
	for cur != "" && !seen[cur] {
		seen[cur] = true
		st, ok := s[cur]
		if !ok {
			break
		}
		if name == "" {
			name = st.name
		}
		if m := tocStyleName.FindStringSubmatch(st.name); m != nil && toc == 0 {
			toc, _ = strconv.Atoi(m[1])
		}
		if outline == 0 {
			if st.outlineLevel > 0 {
				outline = st.outlineLevel
			} else if m := headingStyleName.FindStringSubmatch(st.name); m != nil {
				outline, _ = strconv.Atoi(m[1])
			}
		}
		cur = st.basedOn
	}
	return outline, toc, name
}

func (DocxParser) Parse(ctx context.Context, name string, data []byte) (*Document, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errs.DocumentParse("parse docx", fmt.Errorf("not a docx package: %w", err))
	}

	var body, styles *zip.File
	for _, f := range zr.File {
		switch f.Name {
		case "word/document.xml":
			body = f
		case "word/styles.xml":
			styles = f
		}
	}
	if body == nil {
		return nil, errs.DocumentParse("parse docx", errMissingBody)
	}

	sheet := styleSheet{}
	if styles != nil {
		if sheet, err = readStyles(styles); err != nil {
			return nil, errs.DocumentParse("parse docx styles", err)
		}
	}

	rc, err := body.Open()
	if err != nil {
		return nil, errs.DocumentParse("parse docx", err)
	}
	defer rc.Close()

	doc, err := readBody(ctx, name, rc, sheet)
	if err != nil {
		return nil, errs.DocumentParse("parse docx body", err)
	}
	return doc, nil
}

func attr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// outlineVal converts w:outlineLvl (0-based, 9 = body text) to a 1-based level.
func outlineVal(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > 8 {
		return 0
	}
	return n + 1
}

func readStyles(f *zip.File) (styleSheet, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	sheet := styleSheet{}
	dec := xml.NewDecoder(rc)
	var id string
	var cur styleInfo
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return sheet, nil
		}
		if err != nil {
			return nil, err
		}
		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "style":
				id = attr(el, "styleId")
				cur = styleInfo{}
			case "name":
				if id != "" {
					cur.name = attr(el, "val")
				}
			case "basedOn":
				if id != "" {
					cur.basedOn = attr(el, "val")
				}
			case "outlineLvl":
				if id != "" {
					cur.outlineLevel = outlineVal(attr(el, "val"))
				}
			}
		case xml.EndElement:
			if el.Name.Local == "style" && id != "" {
				sheet[id] = cur
				id = ""
			}
		}
	}
}

type paraState struct {
	text      strings.Builder
	styleID   string
	outline   int
	numbered  bool
	pageAfter int
}

func readBody(ctx context.Context, name string, r io.Reader, sheet styleSheet) (*Document, error) {
	doc := &Document{Name: name}
	dec := xml.NewDecoder(r)

	page := 1
	tableDepth := 0
	var para *paraState
	var inText bool
	var row []string
	var cell strings.Builder

	flushPara := func() {
		if para == nil {
			return
		}
		if tableDepth > 0 {
			if cell.Len() > 0 {
				cell.WriteByte(' ')
			}
			cell.WriteString(para.text.String())
		} else {
			outline, toc, styleName := sheet.resolve(para.styleID)
			if para.outline > 0 {
				outline = para.outline
			}
			p := Paragraph{
				Text:         para.text.String(),
				Style:        styleName,
				OutlineLevel: outline,
				TocLevel:     toc,
				IsHeading:    outline > 0 && toc == 0,
				IsList:       para.numbered || listStyleName.MatchString(styleName),
				Page:         page,
			}
			if toc > 0 {
				p.Text = stripTocPageNumber(p.Text)
				p.OutlineLevel = 0
			}
			doc.append(p)
		}
		page += para.pageAfter
		para = nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tok, err := dec.Token()
		if err == io.EOF {
			return doc, nil
		}
		if err != nil {
			return nil, err
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "p":
				para = &paraState{}
			case "pStyle":
				if para != nil {
					para.styleID = attr(el, "val")
				}
			case "outlineLvl":
				if para != nil {
					para.outline = outlineVal(attr(el, "val"))
				}
			case "numPr":
				if para != nil {
					para.numbered = true
				}
			case "t":
				inText = true
			case "tab":
				if para != nil && inRun(para) {
					para.text.WriteByte('\t')
				}
			case "br":
				if attr(el, "type") == "page" {
					if para != nil {
						para.pageAfter++
					} else {
						page++
					}
				}
			case "pageBreakBefore":
				if para != nil && attr(el, "val") != "0" && attr(el, "val") != "false" && len(doc.Paragraphs) > 0 {
					page++
				}
			case "tbl":
				tableDepth++
			case "tr":
				if tableDepth == 1 {
					row = row[:0]
				}
			case "tc":
				if tableDepth == 1 {
					cell.Reset()
				}
			}
		case xml.CharData:
			if inText && para != nil {
				para.text.Write(el)
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "t":
				inText = false
			case "p":
				flushPara()
			case "tc":
				if tableDepth == 1 {
					row = append(row, strings.TrimSpace(cell.String()))
				}
			case "tr":
				if tableDepth == 1 {
					doc.append(Paragraph{Text: joinCells(row), IsTable: true, Page: page})
				}
			case "tbl":
				tableDepth--
			}
		}
	}
}

// inRun reports whether a tab belongs to run text rather than to tab-stop definitions.
func inRun(p *paraState) bool {
	return p.text.Len() > 0
}

func joinCells(cells []string) string {
	nonEmpty := 0
	for _, c := range cells {
		if c != "" {
			nonEmpty++
		}
	}
	if nonEmpty == 0 {
		return ""
	}
	return strings.Join(cells, " | ")
}

var tocTrailer = regexp.MustCompile(`[\t\.…·\s]*\d+\s*$`)

func stripTocPageNumber(s string) string {
	return strings.TrimSpace(tocTrailer.ReplaceAllString(s, ""))
}
