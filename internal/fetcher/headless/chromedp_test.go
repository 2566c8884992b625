package headless

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
)

func TestNewBrowserLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewBrowser(Config{MaxParallel: -1}, nil)
	require.Error(t, err)

	b, err := NewBrowser(Config{MaxParallel: 2, Headless: true}, nil)
	require.NoError(t, err)
	defer b.Close()
	require.Equal(t, 2, cap(b.limiter))
	require.Equal(t, 60*time.Second, b.cfg.NavigationTimeout)
}

func TestResponseMetaCapture(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	status, _, _ := meta.snapshot()
	require.Equal(t, http.StatusOK, status)

	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 500},
	})
	status, _, _ = meta.snapshot()
	require.Equal(t, http.StatusOK, status, "non-document responses are ignored")

	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:   404,
			MimeType: "text/html",
			URL:      "https://portal.example/missing",
			Headers:  network.Headers{"X-Request-ID": "abc"},
		},
	})
	status, ct, headers := meta.snapshot()
	require.Equal(t, 404, status)
	require.Equal(t, "text/html", ct)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
}

func TestCookieRoundTripThroughNetworkTypes(t *testing.T) {
	t.Parallel()

	cookies := []bulletin.Cookie{
		{Name: "sid", Value: "1", Domain: "portal.example", Path: "/", Secure: true, HTTPOnly: true, Expires: 1.7e9, SameSite: "Lax"},
		{Name: "host_only", Value: "2"},
		{Name: "", Value: "skip"},
		{Name: "cross", Value: "3", Domain: ".example", SameSite: "None"},
	}
	params := cookieParams(cookies, "https://portal.example/list")
	require.Len(t, params, 3)

	require.Equal(t, "portal.example", params[0].Domain)
	require.Empty(t, params[0].URL)
	require.NotNil(t, params[0].Expires)
	require.Empty(t, params[0].SameSite, "Lax is dropped")

	require.Equal(t, "https://portal.example/list", params[1].URL)
	require.Nil(t, params[1].Expires)
	require.Equal(t, network.CookieSameSiteNone, params[2].SameSite)

	back := fromNetworkCookies([]*network.Cookie{
		{Name: "sid", Value: "1", Domain: "portal.example", Path: "/", Expires: 1.7e9, HTTPOnly: true, Secure: true, SameSite: network.CookieSameSiteLax},
		nil,
	})
	require.Equal(t, []bulletin.Cookie{cookies[0]}, back)
}

func TestScriptsQuoteUserInput(t *testing.T) {
	t.Parallel()

	js := elementVisibleJS(`a[title="x"]`)
	require.Contains(t, js, `"a[title=\"x\"]"`)

	js = textVisibleJS("信息公告")
	require.Contains(t, js, `"信息公告"`)

	js = clickTextJS(`it's`)
	require.Contains(t, js, `"it's"`)

	js = restoreStorageJS(`{"origins":[]}`)
	require.True(t, strings.Contains(js, `const state = {"origins":[]};`))
}

func TestNewListLoaderDefaults(t *testing.T) {
	t.Parallel()

	l := NewListLoader(nil, ListLoaderConfig{})
	require.Equal(t, "ul.news_list, tr", l.cfg.ReadySelector)
	require.Equal(t, 500*time.Millisecond, l.cfg.SettleDelay)
}
