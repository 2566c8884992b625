// Package memory provides an in-process TaskStore for tests and dry runs.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/taskstore"
)

// Store is a mutex-guarded map with the same semantics as the SQL stores.
type Store struct {
	mu     sync.Mutex
	tasks  map[string]bulletin.Task
	logger *zap.Logger
	now    func() time.Time
}

var _ bulletin.TaskStore = (*Store)(nil)

// New creates an empty Store.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{tasks: map[string]bulletin.Task{}, logger: logger, now: time.Now}
}

// IsFinished reports whether url reached success or ignored.
func (s *Store) IsFinished(_ context.Context, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[url]
	return ok && t.Status.Finished(), nil
}

// Register creates a pending task the first time url is seen.
func (s *Store) Register(_ context.Context, url, title string) (bulletin.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[url]; ok {
		return clone(t), nil
	}
	now := s.now()
	t := bulletin.Task{URL: url, Title: title, Status: bulletin.StatusPending, CreatedAt: now, UpdatedAt: now}
	s.tasks[url] = t
	return clone(t), nil
}

// UpdateStatus transitions a non-terminal task.
func (s *Store) UpdateStatus(_ context.Context, url string, status bulletin.TaskStatus, summary, errMsg *string) error {
	if err := taskstore.ValidateUpdate(url, status); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[url]
	if !ok {
		taskstore.LogSkippedUpdate(s.logger, url, status, nil)
		return nil
	}
	if t.Status.Finished() {
		taskstore.LogSkippedUpdate(s.logger, url, status, &t.Status)
		return nil
	}
	t.Status = status
	t.UpdatedAt = s.now()
	if status == bulletin.StatusFailed {
		t.RetryCount++
	}
	if summary != nil {
		t.Summary = bulletin.Ptr(*summary)
	}
	if errMsg != nil {
		t.LastError = bulletin.Ptr(*errMsg)
	}
	s.tasks[url] = t
	return nil
}

// Get returns the task for url or bulletin.ErrTaskNotFound.
func (s *Store) Get(_ context.Context, url string) (bulletin.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[url]
	if !ok {
		return bulletin.Task{}, bulletin.ErrTaskNotFound
	}
	return clone(t), nil
}

// List returns tasks ordered by most recent update.
func (s *Store) List(_ context.Context, filter bulletin.TaskFilter) ([]bulletin.Task, error) {
	s.mu.Lock()
	out := make([]bulletin.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, clone(t))
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b bulletin.Task) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.URL, b.URL)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func clone(t bulletin.Task) bulletin.Task {
	if t.Summary != nil {
		t.Summary = bulletin.Ptr(*t.Summary)
	}
	if t.LastError != nil {
		t.LastError = bulletin.Ptr(*t.LastError)
	}
	return t
}
