package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/taskstore/storetest"
)

func TestStoreConformance(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) bulletin.TaskStore {
		s, err := Open(context.Background(), filepath.Join(t.TempDir(), "tasks.db"), "", nil)
		require.NoError(t, err)
		return s
	})
}

func TestStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tasks.db")
	s, err := Open(ctx, path, "notices", nil)
	require.NoError(t, err)
	_, err = s.Register(ctx, "https://portal.example.edu/n/1", "通知")
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, "https://portal.example.edu/n/1", bulletin.StatusSuccess, bulletin.Ptr("done"), nil))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, "notices", nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	done, err := s.IsFinished(ctx, "https://portal.example.edu/n/1")
	require.NoError(t, err)
	require.True(t, done)
}

func TestOpenRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "", "", nil)
	require.Error(t, err)
	_, err = Open(context.Background(), filepath.Join(t.TempDir(), "x.db"), "drop table;", nil)
	require.ErrorContains(t, err, "invalid table name")
}
