package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/worker"
)

type fakeProcessor struct {
	active  atomic.Int32
	peak    atomic.Int32
	mu      sync.Mutex
	seen    []string
	results func(item bulletin.CandidateItem) worker.Result
}

func (f *fakeProcessor) Process(_ context.Context, item bulletin.CandidateItem) worker.Result {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.seen = append(f.seen, item.URL)
	f.mu.Unlock()
	return f.results(item)
}

func items(n int) []bulletin.CandidateItem {
	out := make([]bulletin.CandidateItem, n)
	for i := range out {
		out[i] = bulletin.CandidateItem{URL: fmt.Sprintf("https://portal.example.edu/n/%d", i)}
	}
	return out
}

func TestPoolBoundsConcurrencyAndTallies(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{results: func(item bulletin.CandidateItem) worker.Result {
		switch item.URL[len(item.URL)-1] {
		case '0', '1', '2':
			return worker.Result{URL: item.URL, Status: bulletin.StatusSuccess}
		case '3':
			return worker.Result{URL: item.URL, Status: bulletin.StatusFailed, Err: errors.New("boom")}
		case '4':
			return worker.Result{URL: item.URL, Skipped: true}
		case '5':
			panic("processor bug")
		default:
			return worker.Result{URL: item.URL, Err: errors.New("store down")}
		}
	}}
	pool, err := New(2, proc, nil)
	require.NoError(t, err)

	report := pool.Run(context.Background(), items(7))
	require.Len(t, proc.seen, 7)
	require.LessOrEqual(t, proc.peak.Load(), int32(2))
	require.Equal(t, 3, report.Statuses[bulletin.StatusSuccess])
	require.Equal(t, 1, report.Statuses[bulletin.StatusFailed])
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, 2, report.Errors)
	require.Equal(t, 4, report.Total())
}

func TestPoolEmptyAndDefaults(t *testing.T) {
	t.Parallel()

	pool, err := New(0, &fakeProcessor{}, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultSize, pool.Size())
	require.Zero(t, pool.Run(context.Background(), nil).Total())

	_, err = New(2, nil, nil)
	require.Error(t, err)
}

func TestPoolStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	proc := &fakeProcessor{results: func(item bulletin.CandidateItem) worker.Result {
		return worker.Result{URL: item.URL, Status: bulletin.StatusSuccess}
	}}
	pool, err := New(2, proc, nil)
	require.NoError(t, err)

	report := pool.Run(ctx, items(3))
	require.LessOrEqual(t, report.Total(), 3)
}
