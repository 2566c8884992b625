// Package rows extracts listing rows from a portal list page.
package rows

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Anchor is one link inside a row.
type Anchor struct {
	Href string
	Text string
}

// Row is one listing entry: its links in document order plus its visible text.
type Row struct {
	Anchors []Anchor
	Text    string
}

// Strategy finds the rows of a listing document.
type Strategy interface {
	Rows(doc *goquery.Document) []Row
}

// DefaultSelectors are tried in order until one matches.
var DefaultSelectors = []string{
	"ul.news_list li",
	`li[class*="news"]`,
	"tr",
}

// SelectorStrategy returns the elements matched by the first selector that
// yields any.
type SelectorStrategy struct {
	Selectors []string
}

// NewSelectorStrategy falls back to DefaultSelectors when none are given.
func NewSelectorStrategy(selectors []string) SelectorStrategy {
	if len(selectors) == 0 {
		selectors = DefaultSelectors
	}
	return SelectorStrategy{Selectors: selectors}
}

// Rows implements Strategy.
func (s SelectorStrategy) Rows(doc *goquery.Document) []Row {
	for _, sel := range s.Selectors {
		found := doc.Find(sel)
		if found.Length() == 0 {
			continue
		}
		out := make([]Row, 0, found.Length())
		found.Each(func(_ int, row *goquery.Selection) {
			out = append(out, toRow(row))
		})
		return out
	}
	return nil
}

func toRow(sel *goquery.Selection) Row {
	var anchors []Anchor
	sel.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		anchors = append(anchors, Anchor{
			Href: strings.TrimSpace(href),
			Text: strings.TrimSpace(a.Text()),
		})
	})
	return Row{Anchors: anchors, Text: Squash(sel.Text())}
}

// Squash collapses runs of whitespace into single spaces.
func Squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
