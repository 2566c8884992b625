// Package taskstore holds the SQL shared by the durable TaskStore backends.
// Statements are built with squirrel so the SQLite and Postgres stores differ
// only in placeholder format, DDL and driver plumbing.
package taskstore

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
)

// DefaultTable is used when no table name is configured.
const DefaultTable = "bulletin_tasks"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Columns are selected in this order by every read.
var Columns = []string{"url", "title", "summary", "status", "retry_count", "last_error", "created_at", "updated_at"}

var terminal = []string{string(bulletin.StatusSuccess), string(bulletin.StatusIgnored)}

// Builder renders the store's statements for one table and placeholder style.
type Builder struct {
	sb    sq.StatementBuilderType
	table string
}

// NewBuilder validates the table name.
func NewBuilder(table string, format sq.PlaceholderFormat) (Builder, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return Builder{}, fmt.Errorf("invalid table name %q", table)
	}
	return Builder{sb: sq.StatementBuilder.PlaceholderFormat(format), table: table}, nil
}

// Table returns the validated table name.
func (b Builder) Table() string {
	return b.table
}

// Register inserts a pending task unless the url already exists.
func (b Builder) Register(url, title string, now time.Time) (string, []any, error) {
	return b.sb.Insert(b.table).
		Columns("url", "title", "status", "retry_count", "created_at", "updated_at").
		Values(url, title, string(bulletin.StatusPending), 0, now, now).
		Suffix("ON CONFLICT (url) DO NOTHING").
		ToSql()
}

// Get selects one task by url.
func (b Builder) Get(url string) (string, []any, error) {
	return b.sb.Select(Columns...).From(b.table).Where(sq.Eq{"url": url}).ToSql()
}

// Status selects only the status of one task.
func (b Builder) Status(url string) (string, []any, error) {
	return b.sb.Select("status").From(b.table).Where(sq.Eq{"url": url}).ToSql()
}

// Update moves a non-terminal task to status in a single statement.
// retry_count grows only on failure; summary and last_error change only when given.
func (b Builder) Update(url string, status bulletin.TaskStatus, summary, errMsg *string, now time.Time) (string, []any, error) {
	q := b.sb.Update(b.table).
		Set("status", string(status)).
		Set("updated_at", now)
	if status == bulletin.StatusFailed {
		q = q.Set("retry_count", sq.Expr("retry_count + 1"))
	}
	if summary != nil {
		q = q.Set("summary", *summary)
	}
	if errMsg != nil {
		q = q.Set("last_error", *errMsg)
	}
	return q.Where(sq.Eq{"url": url}).
		Where(sq.NotEq{"status": terminal}).
		ToSql()
}

// List selects tasks, most recently updated first.
func (b Builder) List(filter bulletin.TaskFilter) (string, []any, error) {
	q := b.sb.Select(Columns...).From(b.table).OrderBy("updated_at DESC", "url")
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	return q.ToSql()
}

// Scanner is satisfied by database/sql and pgx rows.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanTask reads one row selected with Columns.
func ScanTask(s Scanner) (bulletin.Task, error) {
	var (
		t      bulletin.Task
		status string
	)
	if err := s.Scan(&t.URL, &t.Title, &t.Summary, &status, &t.RetryCount, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return bulletin.Task{}, err
	}
	t.Status = bulletin.TaskStatus(status)
	return t, nil
}

// ValidateUpdate rejects statuses the store does not know.
func ValidateUpdate(url string, status bulletin.TaskStatus) error {
	if url == "" {
		return errors.New("task url is required")
	}
	if !status.Valid() {
		return fmt.Errorf("unknown task status %q", status)
	}
	return nil
}

// LogSkippedUpdate explains why an update touched no row. current is nil
// when the url is unknown.
func LogSkippedUpdate(logger *zap.Logger, url string, to bulletin.TaskStatus, current *bulletin.TaskStatus) {
	if current == nil {
		logger.Warn("status update for unknown task ignored", zap.String("url", url), zap.String("status", string(to)))
		return
	}
	logger.Warn("task already finished, status update ignored",
		zap.String("url", url),
		zap.String("current", string(*current)),
		zap.String("requested", string(to)),
	)
}
