package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/fetcher/detector"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/retry"
)

type response struct {
	page bulletin.Page
	err  error
}

// fakeLoader replays scripted responses per URL; the last one repeats.
type fakeLoader struct {
	mu        sync.Mutex
	responses map[string][]response
	calls     map[string]int
	sessions  []bulletin.Session
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{responses: map[string][]response{}, calls: map[string]int{}}
}

func (l *fakeLoader) on(url string, rs ...response) *fakeLoader {
	l.responses[url] = append(l.responses[url], rs...)
	return l
}

func (l *fakeLoader) Load(_ context.Context, url string, session bulletin.Session) (bulletin.Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions = append(l.sessions, session)
	rs, ok := l.responses[url]
	if !ok {
		return bulletin.Page{}, fmt.Errorf("unexpected url %s", url)
	}
	i := l.calls[url]
	l.calls[url]++
	if i >= len(rs) {
		i = len(rs) - 1
	}
	r := rs[i]
	if r.page.FinalURL == "" {
		r.page.FinalURL = url
	}
	r.page.RequestURL = url
	return r.page, r.err
}

func (l *fakeLoader) count(url string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[url]
}

type fixedTokens string

func (f fixedTokens) Token(int) string { return string(f) }

func html(body string) response {
	return response{page: bulletin.Page{
		StatusCode:  http.StatusOK,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(body),
	}}
}

func file(contentType, disposition string, body string) response {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	if disposition != "" {
		h.Set("Content-Disposition", disposition)
	}
	return response{page: bulletin.Page{
		StatusCode:  http.StatusOK,
		ContentType: contentType,
		Headers:     h,
		Body:        []byte(body),
	}}
}

type harness struct {
	list, promote, detail, attach *fakeLoader
	sleeps                        []time.Duration
	dir                           string
}

func newHarness(t *testing.T, promote bool) (*Fetcher, *harness) {
	t.Helper()
	h := &harness{
		list:   newFakeLoader(),
		detail: newFakeLoader(),
		attach: newFakeLoader(),
		dir:    filepath.Join(t.TempDir(), "attachments"),
	}
	deps := Deps{
		List:        h.list,
		Detail:      h.detail,
		Attachments: h.attach,
		Detector: detector.NewHeuristic(detector.Signals{
			LoginURLPatterns:     []string{"authserver/login"},
			LoginTitles:          []string{"统一身份认证"},
			LoginMarkers:         []string{"忘记密码"},
			AuthenticatedMarkers: []string{"退出登录"},
			NotFoundMarkers:      []string{"文章不存在"},
		}),
		Tokens: fixedTokens("cafebabe"),
		Retry: retry.Runner{
			Policy: retry.Policy{MaxAttempts: 3, Min: time.Second, Max: 2 * time.Second},
			Sleep: func(_ context.Context, d time.Duration) error {
				h.sleeps = append(h.sleeps, d)
				return nil
			},
		},
		Now: func() time.Time { return time.Unix(1_700_000_000, 0) },
	}
	if promote {
		h.promote = newFakeLoader()
		deps.Promote = h.promote
	}
	f, err := New(Config{NewestN: 3, MinTitleLen: 5, MaxTextChars: 8000, AttachmentDir: h.dir}, deps)
	require.NoError(t, err)
	return f, h
}

const listURL = "https://portal.example/list/index.html"

const listingHTML = `<html><head><title>信息公告</title></head><body>
<a href="/logout">退出登录</a>
<ul class="news_list">
  <li><a href="/cat/1">[通知]</a><a href="notice/1.html">关于2024年寒假放假安排的通知</a><span>2024-01-05</span></li>
  <li><a href="notice/2.html">图书馆闭馆公告事项</a><a href="notice/2.html">更多</a><span>2024-03-01</span></li>
  <li><a href="javascript:void(0)">关于召开年度工作会议的通知</a><a href="notice/3.html">会议通知</a><span>2023-12-20</span></li>
  <li><a href="notice/4.html">无日期的一条公告内容</a></li>
  <li><a href="notice/1.html#top">关于2024年寒假放假安排的通知</a><span>2024-01-05</span></li>
  <li><a href="https://other.example/n/5">校外新闻稿件发布</a><span>2024-02-10</span></li>
  <li><a href="#">置顶</a></li>
</ul></body></html>`

func TestDiscoverReturnsNewestCandidates(t *testing.T) {
	t.Parallel()

	f, h := newHarness(t, false)
	h.list.on(listURL, html(listingHTML))
	session := bulletin.Session{Cookies: []bulletin.Cookie{{Name: "sid", Value: "1"}}}

	out := f.Discover(context.Background(), listURL, session)
	require.True(t, out.Ok(), out.Error())
	require.Len(t, out.Value, 3)

	require.Equal(t, "https://portal.example/list/notice/2.html", out.Value[0].URL)
	require.Equal(t, "图书馆闭馆公告事项", out.Value[0].Title)
	require.Equal(t, "2024-03-01", out.Value[0].PublishedDate.Format(time.DateOnly))
	require.Equal(t, "https://other.example/n/5", out.Value[1].URL)
	require.Equal(t, "https://portal.example/list/notice/1.html", out.Value[2].URL)
	require.Equal(t, listURL, out.Value[2].SourceListURL)
	require.Equal(t, "sid=1", h.list.sessions[0].CookieHeader())
}

func TestDiscoverLoginPageIsAuthExpiredWithoutRetry(t *testing.T) {
	t.Parallel()

	f, h := newHarness(t, false)
	h.list.on(listURL, html(`<html><head><title>统一身份认证</title></head><body>忘记密码</body></html>`))

	out := f.Discover(context.Background(), listURL, bulletin.Session{})
	require.Equal(t, bulletin.KindAuthExpired, out.Kind)
	require.ErrorIs(t, out.Error(), bulletin.ErrAuthExpired)
	require.Equal(t, 1, h.list.count(listURL))
	require.Empty(t, h.sleeps)
}

func TestDiscoverRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	f, h := newHarness(t, false)
	reset := fmt.Errorf("colly visit failed: %w", syscall.ECONNRESET)
	h.list.on(listURL, response{err: reset}, response{page: bulletin.Page{StatusCode: http.StatusBadGateway}}, html(listingHTML))

	out := f.Discover(context.Background(), listURL, bulletin.Session{})
	require.True(t, out.Ok(), out.Error())
	require.Equal(t, 3, h.list.count(listURL))
	require.Len(t, h.sleeps, 2)
}

func TestDiscoverExhaustionReturnsLastTransient(t *testing.T) {
	t.Parallel()

	f, h := newHarness(t, false)
	h.list.on(listURL, response{err: errors.New("read: connection reset by peer")})

	out := f.Discover(context.Background(), listURL, bulletin.Session{})
	require.Equal(t, bulletin.KindTransient, out.Kind)
	require.Equal(t, 3, h.list.count(listURL))
}

func TestDiscoverPromotesScriptShell(t *testing.T) {
	t.Parallel()

	f, h := newHarness(t, true)
	h.list.on(listURL, html(`<html><body><div id="app"></div><script src="/app.js"></script></body></html>`))
	h.promote.on(listURL, html(listingHTML))

	out := f.Discover(context.Background(), listURL, bulletin.Session{})
	require.True(t, out.Ok(), out.Error())
	require.Len(t, out.Value, 3)
	require.Equal(t, 1, h.promote.count(listURL))
}

const detailURL = "https://portal.example/list/notice/1.html"

func TestFetchDetailNotFoundIsTerminal(t *testing.T) {
	t.Parallel()

	f, h := newHarness(t, false)
	h.detail.on(detailURL, response{page: bulletin.Page{StatusCode: http.StatusNotFound, ContentType: "text/html"}})

	out := f.FetchDetail(context.Background(), detailURL, bulletin.Session{})
	require.Equal(t, bulletin.KindNotFound, out.Kind)
	require.Equal(t, 1, h.detail.count(detailURL))
	require.Empty(t, h.sleeps)
}

func TestFetchDetailLoginMarkerIsAuthExpired(t *testing.T) {
	t.Parallel()

	f, h := newHarness(t, false)
	h.detail.on(detailURL, response{page: bulletin.Page{
		FinalURL:    "https://auth.example/authserver/login?service=x",
		StatusCode:  http.StatusOK,
		ContentType: "text/html",
	}})

	out := f.FetchDetail(context.Background(), detailURL, bulletin.Session{})
	require.Equal(t, bulletin.KindAuthExpired, out.Kind)
}

const detailHTML = `<html><head><title>关于2024年寒假放假安排的通知</title></head><body>
<div class="nav"><a href="/">首页</a> 退出登录</div>
<div class="article">
  <h1>关于2024年寒假放假安排的通知</h1>
  <p>各学院、各部门：根据学校校历安排，现将2024年寒假放假有关事项通知如下，请各单位认真做好假期安全与值班工作。</p>
  <p>学生自2024年1月13日起放假，2月25日报到注册，2月26日正式上课。</p>
  <p>附件：<a href="../files/schedule.pdf">寒假值班表</a>
     <a href="/system/download.do?id=42">报名表</a>
     <a href="../files/schedule.pdf">重复链接</a>
     <a href="mailto:office@example.edu">联系我们</a>
     <a href="/broken/attach.docx">损坏的附件</a></p>
</div></body></html>`

func TestFetchDetailExtractsTextAndAttachments(t *testing.T) {
	t.Parallel()

	f, h := newHarness(t, false)
	h.detail.on(detailURL, html(detailHTML))
	h.attach.on("https://portal.example/list/files/schedule.pdf", file("application/pdf", "", "%PDF-1.4 schedule"))
	h.attach.on("https://portal.example/system/download.do?id=42",
		file("application/octet-stream", `attachment; filename*=UTF-8''%E6%8A%A5%E5%90%8D%E8%A1%A8.xlsx`, "xlsx-bytes"))
	h.attach.on("https://portal.example/broken/attach.docx", response{err: errors.New("connection reset by peer")})

	out := f.FetchDetail(context.Background(), detailURL, bulletin.Session{})
	require.True(t, out.Ok(), out.Error())
	require.Contains(t, out.Value.MainText, "2月25日报到注册")
	require.Empty(t, out.Value.FilePath)
	require.Equal(t, []string{
		filepath.Join(h.dir, "寒假值班表.pdf"),
		filepath.Join(h.dir, "报名表.xlsx"),
	}, out.Value.AttachmentPaths)

	body, err := os.ReadFile(out.Value.AttachmentPaths[1])
	require.NoError(t, err)
	require.Equal(t, "xlsx-bytes", string(body))
	require.Equal(t, 1, h.attach.count("https://portal.example/list/files/schedule.pdf"))
}

func TestFetchDetailDirectFile(t *testing.T) {
	t.Parallel()

	f, h := newHarness(t, false)
	fileURL := "https://portal.example/files/notice.pdf"
	h.detail.on(fileURL, file("application/pdf", "", "%PDF-1.7"))

	out := f.FetchDetail(context.Background(), fileURL, bulletin.Session{})
	require.True(t, out.Ok(), out.Error())
	require.Equal(t, filepath.Join(h.dir, "attach_cafebabe.pdf"), out.Value.FilePath)
	require.Empty(t, out.Value.MainText)
	require.Equal(t, []string{out.Value.FilePath}, out.Value.Files())
}

func TestSaveFileResolvesCollisionsWithTimestamp(t *testing.T) {
	t.Parallel()

	f, _ := newHarness(t, false)
	page := file("application/pdf", `attachment; filename="plan.pdf"`, "one").page
	first, err := f.saveFile(page, "")
	require.NoError(t, err)
	second, err := f.saveFile(page, "")
	require.NoError(t, err)

	require.Equal(t, "plan.pdf", filepath.Base(first))
	require.Equal(t, fmt.Sprintf("plan_%d.pdf", time.Unix(1_700_000_000, 0).UnixNano()), filepath.Base(second))
}

func TestNewRequiresLoaders(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}
