package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
)

// Authenticator performs an interactive login and persists its result.
type Authenticator interface {
	Login(ctx context.Context) (bulletin.Session, error)
}

// DefaultLoginTimeout bounds one shared interactive login.
const DefaultLoginTimeout = 5 * time.Minute

// Manager implements bulletin.SessionProvider on top of a CredentialStore.
type Manager struct {
	store  bulletin.CredentialStore
	auth   Authenticator
	maxAge time.Duration
	now    func() time.Time
	logger *zap.Logger

	logins       singleflight.Group
	loginTimeout time.Duration
	mu           sync.Mutex
}

// NewManager wires a Manager. maxAge <= 0 disables age-based refresh.
func NewManager(store bulletin.CredentialStore, auth Authenticator, maxAge time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:        store,
		auth:         auth,
		maxAge:       maxAge,
		now:          time.Now,
		logger:       logger.Named("session"),
		loginTimeout: DefaultLoginTimeout,
	}
}

// SetLoginTimeout replaces DefaultLoginTimeout. d <= 0 is ignored.
func (m *Manager) SetLoginTimeout(d time.Duration) {
	if d > 0 {
		m.loginTimeout = d
	}
}

// Current returns the persisted session, logging in when none is usable.
func (m *Manager) Current(ctx context.Context) (bulletin.Session, error) {
	if s, ok := m.usable(ctx); ok {
		return s, nil
	}
	return m.shared(ctx, func(loginCtx context.Context) (bulletin.Session, error) {
		if s, ok := m.usable(loginCtx); ok {
			return s, nil
		}
		return m.login(loginCtx)
	})
}

// Refresh forces a new interactive login regardless of the stored session.
func (m *Manager) Refresh(ctx context.Context) (bulletin.Session, error) {
	return m.shared(ctx, m.login)
}

// shared runs fn once for all concurrent callers. The login itself is detached
// from any single caller's cancellation and bounded by loginTimeout; each
// caller stops waiting when its own ctx ends.
func (m *Manager) shared(ctx context.Context, fn func(context.Context) (bulletin.Session, error)) (bulletin.Session, error) {
	ch := m.logins.DoChan("login", func() (any, error) {
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.loginTimeout)
		defer cancel()
		return fn(loginCtx)
	})
	select {
	case <-ctx.Done():
		return bulletin.Session{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return bulletin.Session{}, res.Err
		}
		if res.Shared {
			m.logger.Debug("joined in-flight login")
		}
		return res.Val.(bulletin.Session).Clone(), nil
	}
}

// Invalidate discards the persisted session if it is still the one the caller
// saw fail. A newer session saved by a concurrent login is left alone.
func (m *Manager) Invalidate(ctx context.Context, stale bulletin.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.store.Load(ctx)
	if !ok {
		return nil
	}
	if current.Fingerprint() != stale.Fingerprint() {
		m.logger.Info("stale session already replaced; keeping current")
		return nil
	}
	if err := m.store.Invalidate(ctx); err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	return nil
}

func (m *Manager) usable(ctx context.Context) (bulletin.Session, bool) {
	s, ok := m.store.Load(ctx)
	if !ok {
		return bulletin.Session{}, false
	}
	if s.Expired(m.now(), m.maxAge) {
		m.logger.Info("stored session past max age", zap.Duration("age", s.Age(m.now())))
		return bulletin.Session{}, false
	}
	return s, true
}

func (m *Manager) login(ctx context.Context) (bulletin.Session, error) {
	if m.auth == nil {
		return bulletin.Session{}, bulletin.ErrSessionAbsent
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("starting interactive login")
	s, err := m.auth.Login(ctx)
	if err != nil {
		return bulletin.Session{}, fmt.Errorf("login: %w", err)
	}
	return s, nil
}
