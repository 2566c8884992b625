// Package sqlite persists tasks in a local SQLite file using the pure-Go
// modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/taskstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	url         TEXT PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	summary     TEXT,
	status      TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_status_idx ON %[1]s (status);`

// Store implements bulletin.TaskStore on SQLite.
type Store struct {
	db     *sql.DB
	q      taskstore.Builder
	logger *zap.Logger
	now    func() time.Time
}

var _ bulletin.TaskStore = (*Store)(nil)

// Open creates the database file and schema if needed. A single connection
// serialises writers, which SQLite requires anyway.
func Open(ctx context.Context, path, table string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q, err := taskstore.NewBuilder(table, sq.Question)
	if err != nil {
		return nil, err
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, fmt.Sprintf(schema, q.Table())); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, q: q, logger: logger, now: time.Now}, nil
}

// IsFinished reports whether url reached success or ignored.
func (s *Store) IsFinished(ctx context.Context, url string) (bool, error) {
	status, err := s.status(ctx, url)
	if err != nil || status == nil {
		return false, err
	}
	return status.Finished(), nil
}

// Register inserts a pending task unless url exists, then returns the stored row.
func (s *Store) Register(ctx context.Context, url, title string) (bulletin.Task, error) {
	query, args, err := s.q.Register(url, title, s.now().UTC())
	if err != nil {
		return bulletin.Task{}, fmt.Errorf("build register: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return bulletin.Task{}, fmt.Errorf("register task: %w", err)
	}
	return s.Get(ctx, url)
}

// UpdateStatus transitions a non-terminal task in one statement.
func (s *Store) UpdateStatus(ctx context.Context, url string, status bulletin.TaskStatus, summary, errMsg *string) error {
	if err := taskstore.ValidateUpdate(url, status); err != nil {
		return err
	}
	query, args, err := s.q.Update(url, status, summary, errMsg, s.now().UTC())
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	current, err := s.status(ctx, url)
	if err != nil {
		return err
	}
	taskstore.LogSkippedUpdate(s.logger, url, status, current)
	return nil
}

// Get returns the task for url or bulletin.ErrTaskNotFound.
func (s *Store) Get(ctx context.Context, url string) (bulletin.Task, error) {
	query, args, err := s.q.Get(url)
	if err != nil {
		return bulletin.Task{}, fmt.Errorf("build get: %w", err)
	}
	t, err := taskstore.ScanTask(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return bulletin.Task{}, bulletin.ErrTaskNotFound
	}
	if err != nil {
		return bulletin.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// List returns tasks ordered by most recent update.
func (s *Store) List(ctx context.Context, filter bulletin.TaskFilter) ([]bulletin.Task, error) {
	query, args, err := s.q.List(filter)
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []bulletin.Task
	for rows.Next() {
		t, err := taskstore.ScanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *Store) status(ctx context.Context, url string) (*bulletin.TaskStatus, error) {
	query, args, err := s.q.Status(url)
	if err != nil {
		return nil, fmt.Errorf("build status: %w", err)
	}
	var status string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	return bulletin.Ptr(bulletin.TaskStatus(status)), nil
}
