// Package bulletin defines the core types shared across the watcher subsystems.
package bulletin

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// IgnoreSentinel is returned by a Summarizer when an item carries no value.
const IgnoreSentinel = "IGNORE"

// Cookie is one name/value pair of authentication material plus the browser
// attributes needed to re-inject it into a headless session.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Session is reusable authentication material. It is replaced wholesale and
// never mutated in place once handed out.
type Session struct {
	Cookies []Cookie `json:"cookies"`
	// StorageState holds the browser origin storage (localStorage) captured at
	// login, used when the listing page is a single-page app.
	StorageState json.RawMessage `json:"storage_state,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Empty reports whether the session carries no cookies.
func (s Session) Empty() bool {
	return len(s.Cookies) == 0
}

// CookieHeader renders the cookies as a Cookie request header value.
func (s Session) CookieHeader() string {
	parts := make([]string, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		if c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// CookieHeaderFor renders only the cookies a browser would send to u at now:
// the domain must match (a leading dot allows subdomains, otherwise the host
// must be exact), the path must be a prefix on a segment boundary, secure
// cookies need https and expired cookies are dropped. Cookies without a Domain
// are never sent. Longer paths come first.
func (s Session) CookieHeaderFor(u *url.URL, now time.Time) string {
	if u == nil {
		return ""
	}
	matched := make([]Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		if c.Name == "" || !c.matches(u, now) {
			continue
		}
		matched = append(matched, c)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return len(matched[i].Path) > len(matched[j].Path)
	})
	parts := make([]string, 0, len(matched))
	for _, c := range matched {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

func (c Cookie) matches(u *url.URL, now time.Time) bool {
	if c.Secure && u.Scheme != "https" {
		return false
	}
	if c.Expires > 0 && now.Unix() >= int64(c.Expires) {
		return false
	}
	return domainMatch(u.Hostname(), c.Domain) && pathMatch(u.EscapedPath(), c.Path)
}

func domainMatch(host, domain string) bool {
	host = strings.ToLower(host)
	domain = strings.ToLower(domain)
	if domain == "" || host == "" {
		return false
	}
	if bare, ok := strings.CutPrefix(domain, "."); ok {
		return host == bare || strings.HasSuffix(host, domain)
	}
	return host == domain
}

func pathMatch(reqPath, cookiePath string) bool {
	if reqPath == "" {
		reqPath = "/"
	}
	if cookiePath == "" || cookiePath == "/" {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return len(reqPath) == len(cookiePath) ||
		strings.HasSuffix(cookiePath, "/") ||
		reqPath[len(cookiePath)] == '/'
}

// HTTPCookies converts the session cookies for net/http consumers.
func (s Session) HTTPCookies() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out
}

// Fingerprint identifies the cookie material so that a consumer can tell
// whether the session it observed failing is still the persisted one.
func (s Session) Fingerprint() string {
	h := sha256.New()
	for _, c := range s.Cookies {
		h.Write([]byte(c.Name))
		h.Write([]byte{0})
		h.Write([]byte(c.Value))
		h.Write([]byte{0})
		h.Write([]byte(c.Domain))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Age returns how long ago the session was created.
func (s Session) Age(now time.Time) time.Duration {
	if s.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(s.CreatedAt)
}

// Expired is a validity hint: true when maxAge is positive and exceeded.
func (s Session) Expired(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return s.Age(now) > maxAge
}

// Clone returns a deep copy so callers cannot alias stored material.
func (s Session) Clone() Session {
	out := Session{CreatedAt: s.CreatedAt}
	if s.Cookies != nil {
		out.Cookies = append([]Cookie(nil), s.Cookies...)
	}
	if s.StorageState != nil {
		out.StorageState = append(json.RawMessage(nil), s.StorageState...)
	}
	return out
}

// CandidateItem is a row extracted from a listing page, not yet persisted.
type CandidateItem struct {
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	PublishedDate time.Time `json:"published_date"`
	SourceListURL string    `json:"source_list_url"`
}

// Task is the durable record of one discovered item's processing lifecycle.
type Task struct {
	URL        string     `json:"url"`
	Title      string     `json:"title"`
	Summary    *string    `json:"summary,omitempty"`
	Status     TaskStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
	LastError  *string    `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TaskFilter narrows TaskStore.List results.
type TaskFilter struct {
	Status TaskStatus
	Limit  int
}

// FetchResult is the content retrieved for one detail URL.
type FetchResult struct {
	MainText        string   `json:"main_text"`
	AttachmentPaths []string `json:"attachment_paths"`
	// FilePath is set instead of MainText when the URL served a file directly.
	FilePath string `json:"file_path,omitempty"`
}

// Files returns every downloaded file belonging to the result.
func (r FetchResult) Files() []string {
	out := make([]string, 0, len(r.AttachmentPaths)+1)
	if r.FilePath != "" {
		out = append(out, r.FilePath)
	}
	return append(out, r.AttachmentPaths...)
}

// Page is a loaded portal document.
type Page struct {
	RequestURL  string
	FinalURL    string
	Title       string
	StatusCode  int
	ContentType string
	Headers     http.Header
	Body        []byte
}

// IsHTML reports whether the page body should be parsed as a document.
func (p Page) IsHTML() bool {
	if p.ContentType == "" {
		return true
	}
	ct := strings.ToLower(p.ContentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// RunReport summarizes one orchestrator pass.
type RunReport struct {
	RunID      string             `json:"run_id"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Discovered int                `json:"discovered"`
	Skipped    int                `json:"skipped"`
	Dispatched int                `json:"dispatched"`
	Statuses   map[TaskStatus]int `json:"statuses"`
}
