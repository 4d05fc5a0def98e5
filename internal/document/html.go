package document

import (
	"bytes"
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/tenderflow/backend/pkg/errs"
)

type HTMLParser struct{}

func (HTMLParser) Parse(ctx context.Context, name string, data []byte) (*Document, error) {
	root, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, errs.DocumentParse("parse html", err)
	}
	root.Find("script, style, nav, footer").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	doc := &Document{Name: name}
	root.Find("h1, h2, h3, h4, h5, h6, p, li, tr").Each(func(i int, s *goquery.Selection) {
		tag := goquery.NodeName(s)
		switch tag {
		case "p":
			if s.ParentsFiltered("li, td, th").Length() > 0 {
				return
			}
			doc.append(Paragraph{Text: collapse(s.Text())})
		case "li":
			doc.append(Paragraph{Text: collapse(s.Text()), IsList: true})
		case "tr":
			var cells []string
			s.Find("td, th").Each(func(_ int, c *goquery.Selection) {
				cells = append(cells, collapse(c.Text()))
			})
			doc.append(Paragraph{Text: strings.Join(cells, " | "), IsTable: true})
		default:
			level := int(tag[1] - '0')
			doc.append(Paragraph{Text: collapse(s.Text()), OutlineLevel: level, IsHeading: true, Style: tag})
		}
	})
	return doc, ctx.Err()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
