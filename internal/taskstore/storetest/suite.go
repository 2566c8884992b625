// Package storetest is a conformance suite every TaskStore backend runs.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) bulletin.TaskStore

// Run exercises the shared TaskStore contract.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	cases := map[string]func(*testing.T, bulletin.TaskStore){
		"register is idempotent":          registerIdempotent,
		"concurrent register creates one": concurrentRegister,
		"terminal status is final":        terminalIsFinal,
		"failed increments retry count":   failedIncrementsRetry,
		"unknown url update is a no-op":   unknownUpdate,
		"is finished":                     isFinished,
		"list filters and limits":         listFilters,
		"invalid status is rejected":      invalidStatus,
		"get unknown returns not found":   getUnknown,
		"summary and error are kept":      summaryKept,
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

const url = "https://portal.example.edu/notice/1"

func registerIdempotent(t *testing.T, s bulletin.TaskStore) {
	ctx := context.Background()
	first, err := s.Register(ctx, url, "寒假安排")
	require.NoError(t, err)
	require.Equal(t, bulletin.StatusPending, first.Status)
	require.Equal(t, "寒假安排", first.Title)

	require.NoError(t, s.UpdateStatus(ctx, url, bulletin.StatusFailed, nil, bulletin.Ptr("boom")))

	again, err := s.Register(ctx, url, "other title")
	require.NoError(t, err)
	require.Equal(t, bulletin.StatusFailed, again.Status)
	require.Equal(t, "寒假安排", again.Title)
	require.Equal(t, 1, again.RetryCount)
}

func concurrentRegister(t *testing.T, s bulletin.TaskStore) {
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Register(ctx, url, fmt.Sprintf("title %d", i))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	all, err := s.List(ctx, bulletin.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func terminalIsFinal(t *testing.T, s bulletin.TaskStore) {
	ctx := context.Background()
	_, err := s.Register(ctx, url, "t")
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, url, bulletin.StatusSuccess, bulletin.Ptr("sent"), nil))

	for _, next := range []bulletin.TaskStatus{bulletin.StatusFailed, bulletin.StatusProcessing, bulletin.StatusIgnored} {
		require.NoError(t, s.UpdateStatus(ctx, url, next, bulletin.Ptr("changed"), bulletin.Ptr("x")))
	}
	got, err := s.Get(ctx, url)
	require.NoError(t, err)
	require.Equal(t, bulletin.StatusSuccess, got.Status)
	require.Equal(t, "sent", *got.Summary)
	require.Nil(t, got.LastError)
	require.Zero(t, got.RetryCount)
}

func failedIncrementsRetry(t *testing.T, s bulletin.TaskStore) {
	ctx := context.Background()
	_, err := s.Register(ctx, url, "t")
	require.NoError(t, err)
	for range 3 {
		require.NoError(t, s.UpdateStatus(ctx, url, bulletin.StatusProcessing, nil, nil))
		require.NoError(t, s.UpdateStatus(ctx, url, bulletin.StatusFailed, nil, bulletin.Ptr("timeout")))
	}
	got, err := s.Get(ctx, url)
	require.NoError(t, err)
	require.Equal(t, 3, got.RetryCount)
	require.Equal(t, "timeout", *got.LastError)
}

func unknownUpdate(t *testing.T, s bulletin.TaskStore) {
	ctx := context.Background()
	require.NoError(t, s.UpdateStatus(ctx, url, bulletin.StatusSuccess, nil, nil))
	_, err := s.Get(ctx, url)
	require.ErrorIs(t, err, bulletin.ErrTaskNotFound)
}

func isFinished(t *testing.T, s bulletin.TaskStore) {
	ctx := context.Background()
	done, err := s.IsFinished(ctx, url)
	require.NoError(t, err)
	require.False(t, done)

	_, err = s.Register(ctx, url, "t")
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, url, bulletin.StatusFailed, nil, nil))
	done, err = s.IsFinished(ctx, url)
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, s.UpdateStatus(ctx, url, bulletin.StatusIgnored, bulletin.Ptr(bulletin.IgnoreSentinel), nil))
	done, err = s.IsFinished(ctx, url)
	require.NoError(t, err)
	require.True(t, done)
}

func listFilters(t *testing.T, s bulletin.TaskStore) {
	ctx := context.Background()
	for i := range 4 {
		u := fmt.Sprintf("https://portal.example.edu/notice/%d", i)
		_, err := s.Register(ctx, u, "t")
		require.NoError(t, err)
		if i%2 == 0 {
			require.NoError(t, s.UpdateStatus(ctx, u, bulletin.StatusSuccess, nil, nil))
		}
	}

	all, err := s.List(ctx, bulletin.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)

	pending, err := s.List(ctx, bulletin.TaskFilter{Status: bulletin.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, p := range pending {
		require.Equal(t, bulletin.StatusPending, p.Status)
	}

	limited, err := s.List(ctx, bulletin.TaskFilter{Limit: 3})
	require.NoError(t, err)
	require.Len(t, limited, 3)
}

func invalidStatus(t *testing.T, s bulletin.TaskStore) {
	ctx := context.Background()
	_, err := s.Register(ctx, url, "t")
	require.NoError(t, err)
	require.Error(t, s.UpdateStatus(ctx, url, bulletin.TaskStatus("DONE"), nil, nil))
	require.Error(t, s.UpdateStatus(ctx, "", bulletin.StatusSuccess, nil, nil))

	got, err := s.Get(ctx, url)
	require.NoError(t, err)
	require.Equal(t, bulletin.StatusPending, got.Status)
}

func getUnknown(t *testing.T, s bulletin.TaskStore) {
	_, err := s.Get(context.Background(), "https://nowhere.example/")
	require.ErrorIs(t, err, bulletin.ErrTaskNotFound)
}

func summaryKept(t *testing.T, s bulletin.TaskStore) {
	ctx := context.Background()
	_, err := s.Register(ctx, url, "t")
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, url, bulletin.StatusFailed, nil, bulletin.Ptr("notification delivery failed")))
	require.NoError(t, s.UpdateStatus(ctx, url, bulletin.StatusProcessing, nil, nil))

	got, err := s.Get(ctx, url)
	require.NoError(t, err)
	require.Equal(t, bulletin.StatusProcessing, got.Status)
	require.Nil(t, got.Summary)
	require.Equal(t, "notification delivery failed", *got.LastError)
}
