package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
)

// Page implements auth.LoginPage on a chromedp tab.
type Page struct {
	tab *tab
}

// Navigate loads url and waits for the document body.
func (p *Page) Navigate(ctx context.Context, url string) error {
	return p.tab.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// URL returns the tab's current location.
func (p *Page) URL(ctx context.Context) (string, error) {
	var loc string
	if err := p.tab.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// TextVisible reports whether text appears in the rendered page text.
func (p *Page) TextVisible(ctx context.Context, text string) (bool, error) {
	var ok bool
	err := p.tab.run(ctx, chromedp.Evaluate(textVisibleJS(text), &ok))
	return ok, err
}

// ElementVisible reports whether selector matches a displayed element.
func (p *Page) ElementVisible(ctx context.Context, selector string) (bool, error) {
	var ok bool
	err := p.tab.run(ctx, chromedp.Evaluate(elementVisibleJS(selector), &ok))
	return ok, err
}

// Text returns the rendered text of the first element matching selector.
func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	var text string
	js := fmt.Sprintf(`(() => { const e = document.querySelector(%s); return e ? e.innerText : ""; })()`, jsString(selector))
	err := p.tab.run(ctx, chromedp.Evaluate(js, &text))
	return strings.TrimSpace(text), err
}

// Fill replaces the value of an input.
func (p *Page) Fill(ctx context.Context, selector, value string) error {
	return p.tab.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

// Click clicks the first visible element matching selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	return p.tab.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

// Screenshot captures the element matching selector as PNG.
func (p *Page) Screenshot(ctx context.Context, selector string) ([]byte, error) {
	var buf []byte
	if err := p.tab.run(ctx, chromedp.Screenshot(selector, &buf, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return nil, err
	}
	return buf, nil
}

// ExportSession captures every cookie in the browser context plus the current
// origin's localStorage.
func (p *Page) ExportSession(ctx context.Context) (bulletin.Session, error) {
	var (
		cookies []*network.Cookie
		state   string
	)
	err := p.tab.run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = storage.GetCookies().Do(ctx)
			return err
		}),
		chromedp.Evaluate(exportStorageJS, &state),
	)
	if err != nil {
		return bulletin.Session{}, fmt.Errorf("export session: %w", err)
	}
	session := bulletin.Session{Cookies: fromNetworkCookies(cookies)}
	if state != "" && json.Valid([]byte(state)) {
		session.StorageState = json.RawMessage(state)
	}
	return session, nil
}

// Close releases the tab.
func (p *Page) Close() {
	p.tab.close()
}

func textVisibleJS(text string) string {
	return fmt.Sprintf(`(() => !!document.body && document.body.innerText.includes(%s))()`, jsString(text))
}

func elementVisibleJS(selector string) string {
	return fmt.Sprintf(`(() => {
	const e = document.querySelector(%s);
	if (!e) return false;
	const s = window.getComputedStyle(e);
	return s.display !== "none" && s.visibility !== "hidden" && e.getClientRects().length > 0;
})()`, jsString(selector))
}

const exportStorageJS = `(() => {
	const items = [];
	for (let i = 0; i < localStorage.length; i++) {
		const k = localStorage.key(i);
		items.push({name: k, value: localStorage.getItem(k)});
	}
	return JSON.stringify({origins: [{origin: location.origin, localStorage: items}]});
})()`

func fromNetworkCookies(in []*network.Cookie) []bulletin.Cookie {
	out := make([]bulletin.Cookie, 0, len(in))
	for _, c := range in {
		if c == nil || c.Name == "" {
			continue
		}
		out = append(out, bulletin.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite.String(),
		})
	}
	return out
}

// cookieParams converts session cookies for network.SetCookies. Cookies
// without a domain are scoped to targetURL. SameSite Strict/Lax is dropped so
// the cookies still flow on the cross-site navigations portals use for SSO.
func cookieParams(cookies []bulletin.Cookie, targetURL string) []*network.CookieParam {
	out := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.Domain == "" {
			p.URL = targetURL
		}
		if c.Expires > 0 {
			t := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p.Expires = &t
		}
		if c.SameSite == string(network.CookieSameSiteNone) {
			p.SameSite = network.CookieSameSiteNone
		}
		out = append(out, p)
	}
	return out
}
