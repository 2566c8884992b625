package headless

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
)

// ListLoaderConfig tunes list-page rendering.
type ListLoaderConfig struct {
	// EntryLinkText, when set and present on the landing page, is clicked to
	// reach the listing. Portals often open it in a new tab.
	EntryLinkText string
	// ReadySelector is awaited after navigation, best effort.
	ReadySelector string
	SettleDelay   time.Duration
}

// ListLoader implements bulletin.PageLoader for listing pages that need a
// real browser: session cookies and localStorage are restored before the
// first request.
type ListLoader struct {
	browser *Browser
	cfg     ListLoaderConfig
}

// NewListLoader returns a loader sharing browser.
func NewListLoader(browser *Browser, cfg ListLoaderConfig) *ListLoader {
	if cfg.ReadySelector == "" {
		cfg.ReadySelector = "ul.news_list, tr"
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	return &ListLoader{browser: browser, cfg: cfg}
}

// Load renders url with the session applied and returns the final DOM.
func (l *ListLoader) Load(ctx context.Context, url string, session bulletin.Session) (bulletin.Page, error) {
	t, err := l.browser.openTab(ctx)
	if err != nil {
		return bulletin.Page{}, err
	}
	defer t.close()

	meta := newResponseMeta()
	chromedp.ListenTarget(t.ctx, meta.captureEvent)

	var (
		title    string
		finalURL string
		html     string
		hasEntry bool
	)
	err = t.run(ctx,
		l.restoreSession(session, url),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Title(&title),
		chromedp.Location(&finalURL),
	)
	if err != nil {
		return bulletin.Page{}, err
	}

	if l.cfg.EntryLinkText != "" {
		if err := t.run(ctx, chromedp.Evaluate(textVisibleJS(l.cfg.EntryLinkText), &hasEntry)); err != nil {
			hasEntry = false
		}
	}
	if hasEntry {
		p, err := l.followEntry(ctx, t)
		if err == nil {
			return p, nil
		}
		l.browser.logger.Warn("entry link navigation failed, using landing page", zap.Error(err))
	}

	if err := t.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return bulletin.Page{}, err
	}
	status, contentType, headers := meta.snapshot()
	return bulletin.Page{
		RequestURL:  url,
		FinalURL:    finalURL,
		Title:       title,
		StatusCode:  status,
		ContentType: contentType,
		Headers:     headers,
		Body:        []byte(html),
	}, nil
}

func (l *ListLoader) restoreSession(session bulletin.Session, url string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if params := cookieParams(session.Cookies, url); len(params) > 0 {
			if err := network.SetCookies(params).Do(ctx); err != nil {
				return fmt.Errorf("set cookies: %w", err)
			}
		}
		if len(session.StorageState) > 0 {
			if _, err := page.AddScriptToEvaluateOnNewDocument(restoreStorageJS(string(session.StorageState))).Do(ctx); err != nil {
				return fmt.Errorf("restore storage: %w", err)
			}
		}
		return nil
	})
}

// followEntry clicks the entry link and captures whichever tab ends up
// holding the listing.
func (l *ListLoader) followEntry(ctx context.Context, t *tab) (bulletin.Page, error) {
	opened := chromedp.WaitNewTarget(t.ctx, func(info *target.Info) bool {
		return info.Type == "page" && info.URL != ""
	})

	var clicked bool
	if err := t.run(ctx, chromedp.Evaluate(clickTextJS(l.cfg.EntryLinkText), &clicked)); err != nil {
		return bulletin.Page{}, fmt.Errorf("click entry: %w", err)
	}
	if !clicked {
		return bulletin.Page{}, fmt.Errorf("entry link %q not found", l.cfg.EntryLinkText)
	}

	dest := t
	select {
	case id := <-opened:
		newCtx, cancel := chromedp.NewContext(t.ctx, chromedp.WithTargetID(id))
		defer cancel()
		dest = &tab{ctx: newCtx, cancel: cancel, timeout: t.timeout, release: func() {}}
	case <-time.After(3 * time.Second):
	case <-ctx.Done():
		return bulletin.Page{}, ctx.Err()
	}

	meta := newResponseMeta()
	chromedp.ListenTarget(dest.ctx, meta.captureEvent)

	var title, finalURL, html string
	err := dest.run(ctx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(l.cfg.SettleDelay),
		waitOptional(l.cfg.ReadySelector, 5*time.Second),
		chromedp.Title(&title),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return bulletin.Page{}, err
	}
	status, contentType, headers := meta.snapshot()
	return bulletin.Page{
		RequestURL:  finalURL,
		FinalURL:    finalURL,
		Title:       title,
		StatusCode:  status,
		ContentType: contentType,
		Headers:     headers,
		Body:        []byte(html),
	}, nil
}

// waitOptional waits up to d for selector and ignores a timeout.
func waitOptional(selector string, d time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		_ = chromedp.WaitReady(selector, chromedp.ByQuery).Do(wctx)
		return nil
	})
}

func clickTextJS(text string) string {
	return fmt.Sprintf(`(() => {
	const want = %s;
	const nodes = Array.from(document.querySelectorAll("a, button, span, div"));
	const hit = nodes.find(n => n.childElementCount === 0 && (n.innerText || "").includes(want));
	if (hit) { hit.click(); return true; }
	return false;
})()`, jsString(text))
}

func restoreStorageJS(state string) string {
	return fmt.Sprintf(`(() => {
	const state = %s;
	for (const o of (state.origins || [])) {
		if (o.origin !== location.origin) continue;
		for (const kv of (o.localStorage || [])) {
			try { localStorage.setItem(kv.name, kv.value); } catch (e) {}
		}
	}
})()`, state)
}
