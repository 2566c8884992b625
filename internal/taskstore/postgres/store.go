// Package postgres persists tasks in Postgres through a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

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
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_status_idx ON %[1]s (status);`

// Config controls the connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements bulletin.TaskStore on Postgres.
type Store struct {
	pool   pool
	q      taskstore.Builder
	logger *zap.Logger
	now    func() time.Time
}

var _ bulletin.TaskStore = (*Store)(nil)

// Open connects and creates the schema if needed.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.Table, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool wraps an existing pool without touching the schema.
func NewWithPool(p pool, table string, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	q, err := taskstore.NewBuilder(table, sq.Dollar)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: p, q: q, logger: logger, now: time.Now}, nil
}

// Migrate creates the task table and index.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(schema, s.q.Table())); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
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
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
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
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() > 0 {
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
	t, err := taskstore.ScanTask(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
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
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

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

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) status(ctx context.Context, url string) (*bulletin.TaskStatus, error) {
	query, args, err := s.q.Status(url)
	if err != nil {
		return nil, fmt.Errorf("build status: %w", err)
	}
	var status string
	err = s.pool.QueryRow(ctx, query, args...).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	return bulletin.Ptr(bulletin.TaskStatus(status)), nil
}
