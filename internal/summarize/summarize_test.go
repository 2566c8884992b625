package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
)

type call struct {
	model, system, user string
}

type fakeCompleter struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	calls   []call
}

func (f *fakeCompleter) Complete(_ context.Context, model, system, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{model, system, user})
	if err := f.errs[model]; err != nil {
		return "", err
	}
	return f.replies[model], nil
}

func (f *fakeCompleter) models() []string {
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.model)
	}
	return out
}

type stubAttachments string

func (s stubAttachments) Assemble([]string) string { return string(s) }

var cfg = Config{FilterModel: "hunter", PrimaryModel: "commander", FallbackModel: "strategist"}

const notice = "各学院：2024年大学生创新创业训练计划项目申报工作现已开始，请于3月1日前提交申报材料。"

func TestSummarizeIgnoresTinyContext(t *testing.T) {
	t.Parallel()

	fc := &fakeCompleter{}
	s := New(cfg, fc, nil, nil, nil)
	got, err := s.Summarize(context.Background(), bulletin.FetchResult{MainText: "短"}, "通知")
	require.NoError(t, err)
	require.Equal(t, bulletin.IgnoreSentinel, got)
	require.Empty(t, fc.calls)
}

func TestSummarizeFilterModelCanIgnore(t *testing.T) {
	t.Parallel()

	fc := &fakeCompleter{replies: map[string]string{"hunter": " ignore "}}
	s := New(cfg, fc, nil, nil, nil)
	got, err := s.Summarize(context.Background(), bulletin.FetchResult{MainText: notice}, "食堂菜单更新")
	require.NoError(t, err)
	require.Equal(t, bulletin.IgnoreSentinel, got)
	require.Equal(t, []string{"hunter"}, fc.models())
}

func TestSummarizeForceKeepSkipsFilter(t *testing.T) {
	t.Parallel()

	fc := &fakeCompleter{replies: map[string]string{"hunter": "IGNORE", "commander": "  **Title**: 申报  "}}
	s := New(cfg, fc, stubAttachments("\n\n--- attachment (a.pdf) ---\n附件正文\n"), KeywordPrefilter{"申报"}, nil)
	got, err := s.Summarize(context.Background(), bulletin.FetchResult{MainText: notice}, "关于大创项目申报的通知")
	require.NoError(t, err)
	require.Equal(t, "**Title**: 申报", got)
	require.Equal(t, []string{"commander"}, fc.models())
	require.Contains(t, fc.calls[0].user, "Title: 关于大创项目申报的通知")
	require.Contains(t, fc.calls[0].user, "附件正文")
}

func TestSummarizeFallsBackToSecondModel(t *testing.T) {
	t.Parallel()

	fc := &fakeCompleter{
		replies: map[string]string{"hunter": "KEEP", "strategist": "summary"},
		errs:    map[string]error{"commander": errors.New("rate limited")},
	}
	s := New(cfg, fc, nil, nil, nil)
	got, err := s.Summarize(context.Background(), bulletin.FetchResult{MainText: notice}, "")
	require.NoError(t, err)
	require.Equal(t, "summary", got)
	require.Equal(t, []string{"hunter", "commander", "strategist"}, fc.models())
	require.Contains(t, fc.calls[1].user, "Title: 各学院：")
}

func TestSummarizeUnavailableWhenAllModelsFail(t *testing.T) {
	t.Parallel()

	fc := &fakeCompleter{
		errs:    map[string]error{"hunter": errors.New("down"), "commander": errors.New("down")},
		replies: map[string]string{"strategist": "   "},
	}
	s := New(cfg, fc, nil, nil, nil)
	_, err := s.Summarize(context.Background(), bulletin.FetchResult{MainText: notice}, "t")
	require.ErrorIs(t, err, bulletin.ErrSummaryUnavailable)
}

func TestSummarizeTruncatesContext(t *testing.T) {
	t.Parallel()

	fc := &fakeCompleter{replies: map[string]string{"commander": "ok"}}
	s := New(Config{PrimaryModel: "commander", MaxContextChars: 50}, fc, nil, nil, nil)
	_, err := s.Summarize(context.Background(), bulletin.FetchResult{MainText: strings.Repeat("字", 500)}, "标题")
	require.NoError(t, err)
	require.Len(t, []rune(fc.calls[0].user), 50)
}

func TestKeywordPrefilter(t *testing.T) {
	t.Parallel()

	k := KeywordPrefilter{"", "名单"}
	require.True(t, k.ForceKeep("拟录取名单公示"))
	require.False(t, k.ForceKeep("讲座"))
	require.False(t, KeywordPrefilter(nil).ForceKeep("anything"))
}

func TestClientComplete(t *testing.T) {
	t.Parallel()

	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: srv.URL + "/v1/", APIKey: "secret"})
	require.NoError(t, err)
	out, err := c.Complete(context.Background(), "deepseek-chat", "sys", "user")
	require.NoError(t, err)
	require.Equal(t, "hello", out)
	require.Equal(t, "deepseek-chat", got.Model)
	require.InDelta(t, 0.1, got.Temperature, 1e-9)
	require.Equal(t, []chatMessage{{Role: "system", Content: "sys"}, {Role: "user", Content: "user"}}, got.Messages)
}

func TestClientCompleteErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch strings.TrimSuffix(r.URL.Path, "/chat/completions") {
		case "/api":
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
		case "/empty":
			_, _ = w.Write([]byte(`{"choices":[]}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`<html>bad gateway</html>`))
		}
	}))
	defer srv.Close()

	for q, want := range map[string]string{"api": "quota exceeded", "empty": "no choices", "html": "decode response"} {
		c, err := NewClient(ClientConfig{BaseURL: srv.URL + "/" + q})
		require.NoError(t, err)
		_, err = c.Complete(context.Background(), "m", "s", "u")
		require.ErrorContains(t, err, want)
	}

	_, err := NewClient(ClientConfig{})
	require.Error(t, err)
}
