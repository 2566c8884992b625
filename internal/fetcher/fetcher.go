// Package fetcher discovers listing rows and retrieves detail pages and their
// attachments from the portal. Both entry points run inside the retry shell and
// report classified outcomes instead of raw errors.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/fetcher/detector"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/fetcher/rows"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/retry"
)

// Pacer delays requests to a host; the rate limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// TokenSource mints short random tokens for generated file names.
type TokenSource interface {
	Token(n int) string
}

// Config tunes discovery and detail extraction.
type Config struct {
	NewestN           int
	MinTitleLen       int
	MaxTextChars      int
	AttachmentDir     string
	AttachmentTimeout time.Duration
	// DownloadPatterns extend the built-in dynamic download URL patterns.
	DownloadPatterns []string
}

// Deps are the collaborators of a Fetcher. List, Detail and Attachments are
// required; Promote is used only when a plain listing load comes back as an
// unrendered script shell.
type Deps struct {
	List        bulletin.PageLoader
	Promote     bulletin.PageLoader
	Detail      bulletin.PageLoader
	Attachments bulletin.PageLoader
	Rows        rows.Strategy
	Detector    *detector.Heuristic
	Pacer       Pacer
	Tokens      TokenSource
	Retry       retry.Runner
	Logger      *zap.Logger
	Now         func() time.Time
}

// Fetcher implements bulletin.ContentFetcher.
type Fetcher struct {
	cfg      Config
	patterns []string

	list        bulletin.PageLoader
	promote     bulletin.PageLoader
	detail      bulletin.PageLoader
	attachments bulletin.PageLoader
	rows        rows.Strategy
	detector    *detector.Heuristic
	pacer       Pacer
	tokens      TokenSource
	retry       retry.Runner
	logger      *zap.Logger
	now         func() time.Time
}

var _ bulletin.ContentFetcher = (*Fetcher)(nil)

// New validates deps and applies defaults.
func New(cfg Config, deps Deps) (*Fetcher, error) {
	if deps.List == nil || deps.Detail == nil || deps.Attachments == nil {
		return nil, errors.New("fetcher: list, detail and attachment loaders are required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("fetcher: token source is required")
	}
	if cfg.NewestN <= 0 {
		cfg.NewestN = 5
	}
	if cfg.MinTitleLen <= 0 {
		cfg.MinTitleLen = 5
	}
	if cfg.MaxTextChars <= 0 {
		cfg.MaxTextChars = 8000
	}
	if cfg.AttachmentTimeout <= 0 {
		cfg.AttachmentTimeout = 30 * time.Second
	}
	if cfg.AttachmentDir == "" {
		cfg.AttachmentDir = "data/attachments"
	}
	if deps.Rows == nil {
		deps.Rows = rows.NewSelectorStrategy(nil)
	}
	if deps.Detector == nil {
		deps.Detector = detector.NewHeuristic(detector.Signals{})
	}
	if deps.Pacer == nil {
		deps.Pacer = noPacing{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Retry.Logger == nil {
		deps.Retry.Logger = deps.Logger
	}
	patterns := append(append([]string(nil), defaultDownloadPatterns...), cfg.DownloadPatterns...)
	return &Fetcher{
		cfg:         cfg,
		patterns:    patterns,
		list:        deps.List,
		promote:     deps.Promote,
		detail:      deps.Detail,
		attachments: deps.Attachments,
		rows:        deps.Rows,
		detector:    deps.Detector,
		pacer:       deps.Pacer,
		tokens:      deps.Tokens,
		retry:       deps.Retry,
		logger:      deps.Logger,
		now:         deps.Now,
	}, nil
}

// Discover loads the listing and returns the newest candidate items.
func (f *Fetcher) Discover(ctx context.Context, listURL string, session bulletin.Session) bulletin.Outcome[[]bulletin.CandidateItem] {
	return retry.Do(ctx, f.retry, "discover", func(ctx context.Context) bulletin.Outcome[[]bulletin.CandidateItem] {
		return f.discoverOnce(ctx, listURL, session)
	})
}

// FetchDetail loads a detail URL, extracts its text and downloads its attachments.
func (f *Fetcher) FetchDetail(ctx context.Context, detailURL string, session bulletin.Session) bulletin.Outcome[bulletin.FetchResult] {
	return retry.Do(ctx, f.retry, "detail", func(ctx context.Context) bulletin.Outcome[bulletin.FetchResult] {
		return f.detailOnce(ctx, detailURL, session)
	})
}

func (f *Fetcher) discoverOnce(ctx context.Context, listURL string, session bulletin.Session) bulletin.Outcome[[]bulletin.CandidateItem] {
	loaded := f.fetchPage(ctx, f.list, listURL, session)
	if !loaded.Ok() {
		return bulletin.Recast[[]bulletin.CandidateItem](loaded)
	}
	page := loaded.Value
	if f.promote != nil && f.detector.ShouldPromote(page) {
		f.logger.Info("listing looks script-rendered, reloading in browser", zap.String("url", listURL))
		loaded = f.fetchPage(ctx, f.promote, listURL, session)
		if !loaded.Ok() {
			return bulletin.Recast[[]bulletin.CandidateItem](loaded)
		}
		page = loaded.Value
	}
	if !page.IsHTML() {
		return bulletin.Fatal[[]bulletin.CandidateItem]("listing is not a document: "+page.ContentType, nil)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return bulletin.Fatal[[]bulletin.CandidateItem]("parse listing", err)
	}
	base, err := pageBase(page, listURL)
	if err != nil {
		return bulletin.Fatal[[]bulletin.CandidateItem]("listing url", err)
	}

	found := f.rows.Rows(doc)
	items := Candidates(found, base, listURL, f.cfg.MinTitleLen)
	newest := Newest(items, f.cfg.NewestN)
	f.logger.Info("listing parsed",
		zap.String("url", page.FinalURL),
		zap.Int("rows", len(found)),
		zap.Int("candidates", len(items)),
		zap.Int("kept", len(newest)),
	)
	return bulletin.OK(newest)
}

func (f *Fetcher) detailOnce(ctx context.Context, detailURL string, session bulletin.Session) bulletin.Outcome[bulletin.FetchResult] {
	loaded := f.fetchPage(ctx, f.detail, detailURL, session)
	if !loaded.Ok() {
		return bulletin.Recast[bulletin.FetchResult](loaded)
	}
	page := loaded.Value

	if !page.IsHTML() {
		path, err := f.saveFile(page, "")
		if err != nil {
			return bulletin.Fatal[bulletin.FetchResult]("save direct file", err)
		}
		f.logger.Info("detail url served a file", zap.String("url", detailURL), zap.String("path", path))
		return bulletin.OK(bulletin.FetchResult{FilePath: path})
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return bulletin.Fatal[bulletin.FetchResult]("parse detail page", err)
	}
	base, err := pageBase(page, detailURL)
	if err != nil {
		return bulletin.Fatal[bulletin.FetchResult]("detail url", err)
	}

	links := AttachmentLinks(doc, base, f.patterns)
	text := MainText(page.Body, doc, base, f.cfg.MaxTextChars)
	paths := f.downloadAll(ctx, links, session)
	return bulletin.OK(bulletin.FetchResult{MainText: text, AttachmentPaths: paths})
}

// fetchPage paces, loads and classifies one page.
func (f *Fetcher) fetchPage(ctx context.Context, loader bulletin.PageLoader, target string, session bulletin.Session) bulletin.Outcome[bulletin.Page] {
	if err := f.pacer.Wait(ctx, target); err != nil {
		return bulletin.Transient[bulletin.Page]("rate limit wait", err)
	}
	page, err := loader.Load(ctx, target, session)
	if err != nil {
		return ClassifyError[bulletin.Page](err)
	}
	switch verdict, reason := f.detector.Classify(page); verdict {
	case detector.VerdictAuthExpired:
		return bulletin.AuthExpired[bulletin.Page](reason)
	case detector.VerdictNotFound:
		return bulletin.NotFound[bulletin.Page](reason)
	}
	if out, failed := ClassifyStatus[bulletin.Page](page.StatusCode); failed {
		return out
	}
	return bulletin.OK(page)
}

func pageBase(page bulletin.Page, fallback string) (*url.URL, error) {
	raw := page.FinalURL
	if raw == "" {
		raw = fallback
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", raw, err)
	}
	return u, nil
}

type noPacing struct{}

func (noPacing) Wait(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("pacing: %w", err)
	}
	return nil
}

func statusError(code int) error {
	return fmt.Errorf("http status %d %s", code, http.StatusText(code))
}
