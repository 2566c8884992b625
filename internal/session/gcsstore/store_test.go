package gcsstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
)

func newTestStore(t *testing.T, handler http.Handler) *Store {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "test-bucket", Object: "bulletin/session.json"}, nil)
	require.NoError(t, err)
	return store
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b", Object: "o"}, nil)
	require.Error(t, err)
}

func TestSaveUploadsJSON(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var body string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		require.Equal(t, "bulletin/session.json", r.URL.Query().Get("name"))
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		mu.Lock()
		body = string(data)
		mu.Unlock()
		fmt.Fprintln(w, `{"name": "bulletin/session.json", "bucket": "test-bucket"}`)
	})
	store := newTestStore(t, handler)

	err := store.Save(context.Background(), bulletin.Session{Cookies: []bulletin.Cookie{{Name: "sid", Value: "v"}}})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, body, `"name":"sid"`)
}

func TestSaveReportsServerError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	err := store.Save(context.Background(), bulletin.Session{Cookies: []bulletin.Cookie{{Name: "sid", Value: "v"}}})
	require.Error(t, err)
}

func TestLoadMissingObjectIsAbsent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	_, ok := store.Load(context.Background())
	require.False(t, ok)
}

func TestInvalidateTreatsNotFoundAsSuccess(t *testing.T) {
	t.Parallel()

	var deletes int
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete && strings.Contains(r.URL.Path, "/b/test-bucket/o/") {
			deletes++
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	require.NoError(t, store.Invalidate(context.Background()))
	require.Equal(t, 1, deletes)
}
