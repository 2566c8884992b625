package fetcher

import (
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/fetcher/rows"
)

var datePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

// Epoch is the published date of rows that carry no date.
var Epoch = time.Unix(0, 0).UTC()

var navigationWords = map[string]struct{}{
	"更多":  {},
	"详细":  {},
	"置顶":  {},
	"new": {},
	"HOT": {},
	"首页":  {},
	"尾页":  {},
}

// Candidates turns listing rows into candidate items, resolved against base
// and deduplicated by URL. Rows without a usable link yield nothing.
func Candidates(found []rows.Row, base *url.URL, listURL string, minTitleLen int) []bulletin.CandidateItem {
	seen := make(map[string]struct{}, len(found))
	out := make([]bulletin.CandidateItem, 0, len(found))
	for _, row := range found {
		item, ok := candidateFromRow(row, base, listURL, minTitleLen)
		if !ok {
			continue
		}
		if _, dup := seen[item.URL]; dup {
			continue
		}
		seen[item.URL] = struct{}{}
		out = append(out, item)
	}
	return out
}

// Newest sorts by published date, newest first, keeping listing order among
// equal dates, and returns at most n items.
func Newest(items []bulletin.CandidateItem, n int) []bulletin.CandidateItem {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b bulletin.CandidateItem) int {
		return b.PublishedDate.Compare(a.PublishedDate)
	})
	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func candidateFromRow(row rows.Row, base *url.URL, listURL string, minTitleLen int) (bulletin.CandidateItem, bool) {
	anchor, ok := PickAnchor(row.Anchors, minTitleLen)
	if !ok {
		return bulletin.CandidateItem{}, false
	}
	ref, err := url.Parse(anchor.Href)
	if err != nil {
		return bulletin.CandidateItem{}, false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return bulletin.CandidateItem{}, false
	}
	abs.Fragment = ""
	return bulletin.CandidateItem{
		URL:           abs.String(),
		Title:         rows.Squash(anchor.Text),
		PublishedDate: RowDate(row.Text),
		SourceListURL: listURL,
	}, true
}

// PickAnchor selects the canonical link of a row: the longest valid anchor
// text longer than minLen runes, the first one winning ties. When no anchor
// clears the threshold the longest valid anchor is used.
func PickAnchor(anchors []rows.Anchor, minLen int) (rows.Anchor, bool) {
	var (
		best      rows.Anchor
		bestLen   = -1
		longest   rows.Anchor
		longLen   = -1
		haveValid bool
	)
	for _, a := range anchors {
		if !validAnchor(a) {
			continue
		}
		haveValid = true
		n := utf8.RuneCountInString(a.Text)
		if n > minLen && n > bestLen {
			best, bestLen = a, n
		}
		if n > longLen {
			longest, longLen = a, n
		}
	}
	switch {
	case bestLen >= 0:
		return best, true
	case haveValid:
		return longest, true
	default:
		return rows.Anchor{}, false
	}
}

func validAnchor(a rows.Anchor) bool {
	href := strings.TrimSpace(a.Href)
	if href == "" || href == "#" || strings.Contains(strings.ToLower(href), "javascript") {
		return false
	}
	text := strings.TrimSpace(a.Text)
	if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") {
		return false
	}
	if _, nav := navigationWords[text]; nav {
		return false
	}
	return true
}

// RowDate returns the first YYYY-MM-DD date in text, or Epoch.
func RowDate(text string) time.Time {
	for _, m := range datePattern.FindAllString(text, -1) {
		if t, err := time.Parse(time.DateOnly, m); err == nil {
			return t
		}
	}
	return Epoch
}
