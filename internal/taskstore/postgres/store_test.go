package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
)

const taskURL = "https://portal.example.edu/notice/1"

var cols = []string{"url", "title", "summary", "status", "retry_count", "last_error", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s, err := NewWithPool(mock, "", nil)
	require.NoError(t, err)
	now := time.Unix(1700000000, 0).UTC()
	s.now = func() time.Time { return now }
	return s, mock, now
}

func TestRegisterInsertsThenReads(t *testing.T) {
	t.Parallel()

	s, mock, now := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bulletin_tasks (url,title,status,retry_count,created_at,updated_at) VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (url) DO NOTHING")).
		WithArgs(taskURL, "寒假安排", "pending", 0, now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT url, title, summary, status, retry_count, last_error, created_at, updated_at FROM bulletin_tasks WHERE url = $1")).
		WithArgs(taskURL).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(taskURL, "寒假安排", (*string)(nil), "pending", 0, (*string)(nil), now, now))

	task, err := s.Register(context.Background(), taskURL, "寒假安排")
	require.NoError(t, err)
	require.Equal(t, bulletin.StatusPending, task.Status)
	require.Equal(t, now, task.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusGuardsTerminalRows(t *testing.T) {
	t.Parallel()

	s, mock, now := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bulletin_tasks SET status = $1, updated_at = $2, retry_count = retry_count + 1, last_error = $3 WHERE url = $4 AND status NOT IN ($5,$6)")).
		WithArgs("failed", now, "boom", taskURL, "success", "ignored").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM bulletin_tasks WHERE url = $1")).
		WithArgs(taskURL).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("success"))

	err := s.UpdateStatus(context.Background(), taskURL, bulletin.StatusFailed, nil, bulletin.Ptr("boom"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusSuccessSetsSummary(t *testing.T) {
	t.Parallel()

	s, mock, now := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bulletin_tasks SET status = $1, updated_at = $2, summary = $3 WHERE url = $4 AND status NOT IN ($5,$6)")).
		WithArgs("success", now, "summary text", taskURL, "success", "ignored").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateStatus(context.Background(), taskURL, bulletin.StatusSuccess, bulletin.Ptr("summary text"), nil)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	t.Parallel()

	s, mock, _ := newMockStore(t)
	mock.ExpectQuery("SELECT .* FROM bulletin_tasks").
		WithArgs(taskURL).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Get(context.Background(), taskURL)
	require.ErrorIs(t, err, bulletin.ErrTaskNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsFinishedUnknownURL(t *testing.T) {
	t.Parallel()

	s, mock, _ := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM bulletin_tasks WHERE url = $1")).
		WithArgs(taskURL).
		WillReturnError(pgx.ErrNoRows)

	done, err := s.IsFinished(context.Background(), taskURL)
	require.NoError(t, err)
	require.False(t, done)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAppliesFilter(t *testing.T) {
	t.Parallel()

	s, mock, now := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT url, title, summary, status, retry_count, last_error, created_at, updated_at FROM bulletin_tasks WHERE status = $1 ORDER BY updated_at DESC, url LIMIT 2")).
		WithArgs("failed").
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(taskURL, "a", (*string)(nil), "failed", 2, bulletin.Ptr("timeout"), now, now).
			AddRow(taskURL+"0", "b", (*string)(nil), "failed", 1, bulletin.Ptr("reset"), now, now))

	tasks, err := s.List(context.Background(), bulletin.TaskFilter{Status: bulletin.StatusFailed, Limit: 2})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, 2, tasks[0].RetryCount)
	require.Equal(t, "reset", *tasks[1].LastError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateCreatesTable(t *testing.T) {
	t.Parallel()

	s, mock, _ := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS bulletin_tasks").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "", nil)
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "bad-name", nil)
	require.ErrorContains(t, err, "invalid table name")

	_, err = Open(context.Background(), Config{}, nil)
	require.Error(t, err)
}
