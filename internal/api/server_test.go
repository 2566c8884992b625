package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/taskstore/memory"
)

type fakeRunner struct {
	mu      sync.Mutex
	running bool
	calls   int
	last    *bulletin.RunReport
	release chan struct{}
	started chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{release: make(chan struct{}), started: make(chan struct{}, 4)}
}

func (f *fakeRunner) Run(ctx context.Context) (bulletin.RunReport, error) {
	f.mu.Lock()
	f.running = true
	f.calls++
	f.mu.Unlock()
	f.started <- struct{}{}

	select {
	case <-f.release:
	case <-ctx.Done():
	}

	report := bulletin.RunReport{RunID: "run-1", Dispatched: 2}
	f.mu.Lock()
	f.running = false
	f.last = &report
	f.mu.Unlock()
	return report, nil
}

func (f *fakeRunner) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeRunner) LastReport() (bulletin.RunReport, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return bulletin.RunReport{}, false
	}
	return *f.last, true
}

type failingStore struct {
	bulletin.TaskStore
}

func (failingStore) List(context.Context, bulletin.TaskFilter) ([]bulletin.Task, error) {
	return nil, errors.New("database is locked")
}

func newTestServer(t *testing.T, opts Options) (*Server, *memory.Store, *fakeRunner) {
	t.Helper()
	store := memory.New(zap.NewNop())
	runner := newFakeRunner()
	return NewServer(context.Background(), store, runner, opts, zap.NewNop()), store, runner
}

func do(t *testing.T, h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, Options{})

	rec := do(t, s.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, s.Handler(), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ReadyzStoreDown(t *testing.T) {
	t.Parallel()
	s := NewServer(context.Background(), failingStore{}, newFakeRunner(), Options{}, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "task store unavailable")
}

func TestServer_ListTasks(t *testing.T) {
	t.Parallel()
	s, store, _ := newTestServer(t, Options{})
	ctx := context.Background()
	for _, u := range []string{"https://p.example/n/1", "https://p.example/n/2", "https://p.example/n/3"} {
		_, err := store.Register(ctx, u, "t")
		require.NoError(t, err)
	}
	require.NoError(t, store.UpdateStatus(ctx, "https://p.example/n/2", bulletin.StatusFailed, nil, bulletin.Ptr("timeout")))

	rec := do(t, s.Handler(), http.MethodGet, "/v1/tasks?status=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Tasks []bulletin.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tasks, 1)
	require.Equal(t, "https://p.example/n/2", body.Tasks[0].URL)
	require.Equal(t, 1, body.Tasks[0].RetryCount)

	rec = do(t, s.Handler(), http.MethodGet, "/v1/tasks?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tasks, 2)
}

func TestServer_ListTasksEmptyIsArray(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, Options{})

	rec := do(t, s.Handler(), http.MethodGet, "/v1/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"tasks":[]}`, rec.Body.String())
}

func TestServer_ListTasksBadQuery(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, Options{})

	for _, target := range []string{"/v1/tasks?status=DONE", "/v1/tasks?limit=0", "/v1/tasks?limit=abc"} {
		rec := do(t, s.Handler(), http.MethodGet, target, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestServer_GetTask(t *testing.T) {
	t.Parallel()
	s, store, _ := newTestServer(t, Options{})
	_, err := store.Register(context.Background(), "https://p.example/n/9", "放假通知")
	require.NoError(t, err)

	rec := do(t, s.Handler(), http.MethodGet, "/v1/task?url=https%3A%2F%2Fp.example%2Fn%2F9", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "放假通知")

	rec = do(t, s.Handler(), http.MethodGet, "/v1/task?url=https%3A%2F%2Fp.example%2Fmissing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/v1/task", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_TriggerRun(t *testing.T) {
	t.Parallel()
	s, _, runner := newTestServer(t, Options{})

	rec := do(t, s.Handler(), http.MethodGet, "/v1/runs/last", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s.Handler(), http.MethodPost, "/v1/runs", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("run was not started")
	}

	rec = do(t, s.Handler(), http.MethodPost, "/v1/runs", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), bulletin.ErrRunInProgress.Error())

	close(runner.release)
	s.Wait()

	rec = do(t, s.Handler(), http.MethodGet, "/v1/runs/last", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"run_id":"run-1"`)
	require.Contains(t, rec.Body.String(), `"running":false`)
	require.Equal(t, 1, runner.calls)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, Options{APIKey: "secret"})

	rec := do(t, s.Handler(), http.MethodGet, "/v1/tasks", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/v1/tasks", map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, Options{})
	_ = do(t, s.Handler(), http.MethodGet, "/healthz", nil)

	rec := do(t, s.Handler(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "bulletin_http_requests_total")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, Options{})
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := do(t, h, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
