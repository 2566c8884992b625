package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/api"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/config"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/taskstore/memory"
)

type fakeRunner struct {
	calls atomic.Int32
	err   error
}

func (f *fakeRunner) Run(context.Context) (bulletin.RunReport, error) {
	f.calls.Add(1)
	return bulletin.RunReport{RunID: "run-7", Discovered: 5, Dispatched: 2}, f.err
}

func (f *fakeRunner) Running() bool { return false }

func (f *fakeRunner) LastReport() (bulletin.RunReport, bool) { return bulletin.RunReport{}, false }

type fakeApp struct {
	cfg    config.Config
	store  *memory.Store
	runner *fakeRunner
	closed bool
}

func (f *fakeApp) Close() error              { f.closed = true; return nil }
func (f *fakeApp) Logger() *zap.Logger       { return zap.NewNop() }
func (f *fakeApp) Config() config.Config     { return f.cfg }
func (f *fakeApp) Store() bulletin.TaskStore { return f.store }
func (f *fakeApp) Runner() api.Runner        { return f.runner }

func (f *fakeApp) Login(context.Context) (bulletin.Session, error) {
	return bulletin.Session{Cookies: []bulletin.Cookie{{Name: "JSESSIONID", Value: "a"}, {Name: "CASTGC", Value: "b"}}}, nil
}

func (f *fakeApp) Server(ctx context.Context) *api.Server {
	return api.NewServer(ctx, f.store, f.runner, api.Options{}, zap.NewNop())
}

func withFakeApp(t *testing.T) *fakeApp {
	t.Helper()
	fake := &fakeApp{store: memory.New(nil), runner: &fakeRunner{}}
	prev := newApp
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (App, error) {
		fake.cfg = cfg
		return fake, nil
	}
	t.Cleanup(func() { newApp = prev })
	return fake
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("portal:\n  list_url: https://portal.example.edu/notices\nlogging:\n  development: false\n"), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommandPrintsReport(t *testing.T) {
	fake := withFakeApp(t)

	out, err := execute(t, "run", "--config", writeConfig(t))
	require.NoError(t, err)
	require.Contains(t, out, `"run_id": "run-7"`)
	require.Contains(t, out, `"dispatched": 2`)
	require.EqualValues(t, 1, fake.runner.calls.Load())
	require.True(t, fake.closed)
	require.Equal(t, "https://portal.example.edu/notices", fake.cfg.Portal.ListURL)
}

func TestRunCommandSurfacesFailure(t *testing.T) {
	fake := withFakeApp(t)
	fake.runner.err = bulletin.ErrAuthExpired

	_, err := execute(t, "run", "--config", writeConfig(t))
	require.ErrorIs(t, err, bulletin.ErrAuthExpired)
	require.True(t, fake.closed)
}

func TestTasksCommand(t *testing.T) {
	fake := withFakeApp(t)
	ctx := context.Background()
	_, err := fake.store.Register(ctx, "https://portal.example.edu/n/1", "期末考试安排")
	require.NoError(t, err)
	require.NoError(t, fake.store.UpdateStatus(ctx, "https://portal.example.edu/n/1", bulletin.StatusFailed, nil, bulletin.Ptr("timeout")))

	out, err := execute(t, "tasks", "--config", writeConfig(t), "--status", "failed")
	require.NoError(t, err)
	require.Contains(t, out, "期末考试安排")
	require.Contains(t, out, "failed")

	fake.closed = false
	_, err = execute(t, "tasks", "--config", writeConfig(t), "--status", "done")
	require.Error(t, err)
	require.True(t, fake.closed)
}

func TestLoginCommand(t *testing.T) {
	withFakeApp(t)

	out, err := execute(t, "login", "--config", writeConfig(t))
	require.NoError(t, err)
	require.Contains(t, out, "2 cookies")
}

func TestInvalidConfigStopsBeforeApp(t *testing.T) {
	called := false
	prev := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		called = true
		return nil, errors.New("unreachable")
	}
	t.Cleanup(func() { newApp = prev })

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  concurrency: 2\n"), 0o600))
	_, err := execute(t, "run", "--config", path)
	require.Error(t, err)
	require.False(t, called)
}

func TestScheduleRunsUntilCancelled(t *testing.T) {
	runner := &fakeRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		schedule(ctx, runner, 5*time.Millisecond, true, zap.NewNop())
	}()

	require.Eventually(t, func() bool { return runner.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("schedule did not stop")
	}
}

func TestScheduleWithoutIntervalRunsOnce(t *testing.T) {
	runner := &fakeRunner{err: bulletin.ErrRunInProgress}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	schedule(ctx, runner, 0, true, zap.NewNop())
	require.EqualValues(t, 1, runner.calls.Load())
}
