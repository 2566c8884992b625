package bulletin

import (
	"context"
)

// CredentialStore persists the reusable Session. Load fails soft: a missing or
// corrupt session is reported as absent.
type CredentialStore interface {
	Load(ctx context.Context) (Session, bool)
	Save(ctx context.Context, session Session) error
	Invalidate(ctx context.Context) error
}

// TaskStore is the durable, keyed record of every discovered item.
type TaskStore interface {
	IsFinished(ctx context.Context, url string) (bool, error)
	Register(ctx context.Context, url, title string) (Task, error)
	UpdateStatus(ctx context.Context, url string, status TaskStatus, summary, errMsg *string) error
	Get(ctx context.Context, url string) (Task, error)
	List(ctx context.Context, filter TaskFilter) ([]Task, error)
	Close() error
}

// PageLoader retrieves one portal document using the given session.
type PageLoader interface {
	Load(ctx context.Context, url string, session Session) (Page, error)
}

// Summarizer turns fetched content into notification text, or IgnoreSentinel.
type Summarizer interface {
	Summarize(ctx context.Context, result FetchResult, title string) (string, error)
}

// Notifier delivers a summary to the configured channels and reports overall success.
type Notifier interface {
	Send(ctx context.Context, title, body string, attachments []string) bool
}

// SessionProvider hands out the current session and accepts invalidation reports.
type SessionProvider interface {
	Current(ctx context.Context) (Session, error)
	Invalidate(ctx context.Context, stale Session) error
}

// ContentFetcher discovers listing rows and retrieves detail pages.
type ContentFetcher interface {
	Discover(ctx context.Context, listURL string, session Session) Outcome[[]CandidateItem]
	FetchDetail(ctx context.Context, url string, session Session) Outcome[FetchResult]
}

// Ptr returns a pointer to v; handy for optional TaskStore fields.
func Ptr[T any](v T) *T {
	return &v
}
