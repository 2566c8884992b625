// Package collyfetcher loads portal documents over plain HTTP using gocolly.
package collyfetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
)

// Config controls collector behavior.
type Config struct {
	UserAgent          string
	Timeout            time.Duration
	MaxBodySize        int
	InsecureSkipVerify bool
}

// Loader implements bulletin.PageLoader with a Colly collector. Session
// cookies are scoped to each request URL, redirect hops included, and sent as
// a Cookie header; the collector's own jar stays disabled, so no state leaks
// between sessions. Redirects are followed; the final URL is reported on the Page.
type Loader struct {
	cfg           Config
	baseCollector *colly.Collector
	now           func() time.Time
}

const maxRedirects = 10

type sessionKey struct{}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Loader.
func New(cfg Config) *Loader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 64 << 20
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(cfg.MaxBodySize),
	)
	c.DisableCookies()
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport(cfg.InsecureSkipVerify))
	c.SetRequestTimeout(cfg.Timeout)

	l := &Loader{cfg: cfg, baseCollector: c, now: time.Now}
	c.SetRedirectHandler(l.redirect)
	return l
}

// redirect re-scopes the session cookies to the redirect target.
func (l *Loader) redirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}
	req.Header.Del("Cookie")
	session, _ := req.Context().Value(sessionKey{}).(bulletin.Session)
	if cookie := session.CookieHeaderFor(req.URL, l.now()); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	return nil
}

// Load fetches url with the session cookies attached.
func (l *Loader) Load(ctx context.Context, url string, session bulletin.Session) (bulletin.Page, error) {
	var (
		page     bulletin.Page
		fetchErr error
	)
	collector := l.baseCollector.Clone()
	collector.Context = context.WithValue(ctx, sessionKey{}, session)
	l.configureCollectorHooks(collector, session, &page, &fetchErr)

	if err := l.runCollector(ctx, collector, url, &fetchErr); err != nil {
		return bulletin.Page{}, err
	}
	page.RequestURL = url
	if page.FinalURL == "" {
		page.FinalURL = url
	}
	return page, nil
}

func (l *Loader) configureCollectorHooks(
	hooks collectorHooks,
	session bulletin.Session,
	page *bulletin.Page,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Del("Cookie")
		if cookie := session.CookieHeaderFor(r.URL, l.now()); cookie != "" {
			r.Headers.Set("Cookie", cookie)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*page = bulletin.Page{
			FinalURL:    r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: headers.Get("Content-Type"),
			Headers:     headers,
			Body:        append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (l *Loader) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport(insecure bool) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: insecure}, //nolint:gosec // opt-in via fetch.insecure_skip_verify
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
