package fetcher

import (
	"bufio"
	"bytes"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/fetcher/rows"
)

var attachmentExts = []string{".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".zip", ".rar"}

var defaultDownloadPatterns = []string{"download", "attachment", "file.do", "getfile", "/files/"}

// Link is an attachment reference found on a detail page.
type Link struct {
	URL  string
	Text string
}

// AttachmentLinks returns the deduplicated file links of a detail page. A link
// qualifies by extension or when its path or query matches a download pattern.
func AttachmentLinks(doc *goquery.Document, base *url.URL, patterns []string) []Link {
	var out []Link
	seen := map[string]struct{}{}
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		lower := strings.ToLower(href)
		if href == "" || href == "#" || strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "javascript") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		if !isAttachment(abs, patterns) {
			return
		}
		key := abs.String()
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, Link{URL: key, Text: rows.Squash(a.Text())})
	})
	return out
}

func isAttachment(u *url.URL, patterns []string) bool {
	p := strings.ToLower(u.Path)
	ext := path.Ext(p)
	for _, e := range attachmentExts {
		if ext == e {
			return true
		}
	}
	target := p
	if u.RawQuery != "" {
		target += "?" + strings.ToLower(u.RawQuery)
	}
	for _, pat := range patterns {
		if pat != "" && strings.Contains(target, strings.ToLower(pat)) {
			return true
		}
	}
	return false
}

// MainText extracts the readable text of a detail page, normalised to one
// trimmed line per block and truncated to maxChars runes. The article body
// found by readability is preferred; the whole document body is the fallback.
func MainText(body []byte, doc *goquery.Document, base *url.URL, maxChars int) string {
	text := ""
	article, err := readability.NewParser().Parse(bytes.NewReader(body), base)
	if err == nil && strings.TrimSpace(article.Content) != "" {
		if content, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content)); err == nil {
			text = blockText(content.Selection)
		}
	}
	if text == "" {
		sel := doc.Find("body")
		if sel.Length() == 0 {
			sel = doc.Selection
		}
		text = blockText(sel)
	}
	return truncateRunes(text, maxChars)
}

const blockElements = "p,div,li,tr,td,th,h1,h2,h3,h4,h5,h6,pre,blockquote,section,article,table"

// blockText renders a selection as text with a line break after each block
// element. The selection is cloned so the caller's document is untouched.
func blockText(sel *goquery.Selection) string {
	clone := sel.Clone()
	clone.Find("script,style,noscript").Remove()
	clone.Find("br").ReplaceWithHtml("\n")
	clone.Find(blockElements).AppendHtml("\n")
	return normalizeText(clone.Text())
}

func normalizeText(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := rows.Squash(scanner.Text())
		if line == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	return b.String()
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
