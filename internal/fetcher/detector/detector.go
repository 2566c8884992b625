// Package detector classifies loaded portal pages: expired sessions, missing
// documents, and script-rendered shells that need a real browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
)

// Verdict is the classification of one page.
type Verdict int

// Page verdicts, in order of precedence.
const (
	VerdictOK Verdict = iota
	VerdictAuthExpired
	VerdictNotFound
)

func (v Verdict) String() string {
	switch v {
	case VerdictAuthExpired:
		return "auth_expired"
	case VerdictNotFound:
		return "not_found"
	default:
		return "ok"
	}
}

// Signals lists the portal-specific markers the classifier looks for.
type Signals struct {
	LoginURLPatterns     []string
	LoginTitles          []string
	LoginMarkers         []string
	AuthenticatedMarkers []string
	NotFoundMarkers      []string
	// PromoteThreshold is the body size under which a script-heavy page is
	// treated as an unrendered shell. Zero selects 2048.
	PromoteThreshold int
}

// Heuristic implements rule-based page classification.
type Heuristic struct {
	sig Signals
}

// NewHeuristic creates a classifier.
func NewHeuristic(sig Signals) *Heuristic {
	if sig.PromoteThreshold == 0 {
		sig.PromoteThreshold = 2048
	}
	return &Heuristic{sig: sig}
}

// Classify inspects a loaded page. A login page is reported as expired auth
// before any not-found check, because portals often answer unauthenticated
// requests with a login form served under an error status.
func (h *Heuristic) Classify(page bulletin.Page) (Verdict, string) {
	if reason, ok := h.authExpired(page); ok {
		return VerdictAuthExpired, reason
	}
	if page.StatusCode == http.StatusNotFound || page.StatusCode == http.StatusGone {
		return VerdictNotFound, http.StatusText(page.StatusCode)
	}
	if page.IsHTML() {
		for _, m := range h.sig.NotFoundMarkers {
			if m != "" && bytes.Contains(page.Body, []byte(m)) {
				return VerdictNotFound, "not-found marker " + m
			}
		}
	}
	return VerdictOK, ""
}

func (h *Heuristic) authExpired(page bulletin.Page) (string, bool) {
	for _, p := range h.sig.LoginURLPatterns {
		if p != "" && strings.Contains(page.FinalURL, p) {
			return "redirected to login url " + page.FinalURL, true
		}
	}
	if !page.IsHTML() {
		return "", false
	}
	title := page.Title
	if title == "" {
		title = extractTitle(page.Body)
	}
	for _, t := range h.sig.LoginTitles {
		if t != "" && strings.Contains(title, t) {
			return "login page title " + title, true
		}
	}
	if len(h.sig.LoginMarkers) == 0 {
		return "", false
	}
	for _, m := range h.sig.AuthenticatedMarkers {
		if m != "" && bytes.Contains(page.Body, []byte(m)) {
			return "", false
		}
	}
	for _, m := range h.sig.LoginMarkers {
		if m != "" && bytes.Contains(page.Body, []byte(m)) {
			return "login marker " + m, true
		}
	}
	return "", false
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// ShouldPromote reports whether a plain HTTP load returned an unrendered
// script shell that only a browser can turn into a listing.
func (h *Heuristic) ShouldPromote(page bulletin.Page) bool {
	if page.StatusCode != http.StatusOK || !page.IsHTML() {
		return false
	}
	body := page.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.sig.PromoteThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func extractTitle(body []byte) string {
	lower := bytes.ToLower(body)
	start := bytes.Index(lower, []byte("<title"))
	if start == -1 {
		return ""
	}
	open := bytes.IndexByte(lower[start:], '>')
	if open == -1 {
		return ""
	}
	contentStart := start + open + 1
	end := bytes.Index(lower[contentStart:], []byte("</title>"))
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(string(body[contentStart : contentStart+end]))
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		relEnd := strings.Index(lower[contentStart:], closeTag)
		next := total
		if relEnd != -1 {
			next = contentStart + relEnd + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage > 0 && coverage*100/total >= 25
}
