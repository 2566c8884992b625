// Package worker runs the per-item task pipeline: dedup, register, fetch,
// summarize, notify, and record the final status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/metrics"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/retry"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/telemetry"
)

// Config controls Worker behavior.
type Config struct {
	JitterMin time.Duration
	JitterMax time.Duration
}

// Deps are the collaborators a Worker drives.
type Deps struct {
	Store      bulletin.TaskStore
	Fetcher    bulletin.ContentFetcher
	Sessions   bulletin.SessionProvider
	Summarizer bulletin.Summarizer
	Notifier   bulletin.Notifier
	Sleep      retry.Sleeper
	Logger     *zap.Logger
}

// Result is the outcome of processing one candidate.
type Result struct {
	URL     string
	Status  bulletin.TaskStatus
	Skipped bool
	Err     error
}

// Worker processes candidates one at a time. It is safe for concurrent use;
// the pool shares one Worker between its goroutines.
type Worker struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates deps and applies defaults.
func New(cfg Config, deps Deps) (*Worker, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("worker requires a task store")
	case deps.Fetcher == nil:
		return nil, errors.New("worker requires a content fetcher")
	case deps.Sessions == nil:
		return nil, errors.New("worker requires a session provider")
	case deps.Summarizer == nil:
		return nil, errors.New("worker requires a summarizer")
	case deps.Notifier == nil:
		return nil, errors.New("worker requires a notifier")
	}
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}
	if deps.Sleep == nil {
		deps.Sleep = retry.ContextSleep
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{cfg: cfg, deps: deps, logger: logger.Named("worker")}, nil
}

// Process drives one candidate to a final status. Task failures are recorded
// in the store and returned in Result; they never escape as panics.
func (w *Worker) Process(ctx context.Context, item bulletin.CandidateItem) (res Result) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := telemetry.Tracer().Start(ctx, "worker.process", trace.WithAttributes(attribute.String("url", item.URL)))
	defer func() {
		span.SetAttributes(attribute.String("status", string(res.Status)), attribute.Bool("skipped", res.Skipped))
		telemetry.End(span, res.Err)
	}()

	res.URL = item.URL
	logger := w.logger.With(zap.String("url", item.URL))

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error("task panicked", zap.Any("panic", r))
			res = w.finish(ctx, logger, item.URL, bulletin.StatusFailed, nil, err)
		}
	}()

	finished, err := w.deps.Store.IsFinished(ctx, item.URL)
	if err != nil {
		logger.Error("dedup check failed", zap.Error(err))
		return Result{URL: item.URL, Err: fmt.Errorf("dedup check: %w", err)}
	}
	if finished {
		logger.Debug("already finished, skipping")
		return Result{URL: item.URL, Skipped: true}
	}

	if _, err := w.deps.Store.Register(ctx, item.URL, item.Title); err != nil {
		logger.Error("register failed", zap.Error(err))
		return Result{URL: item.URL, Err: fmt.Errorf("register: %w", err)}
	}
	if err := w.deps.Store.UpdateStatus(ctx, item.URL, bulletin.StatusProcessing, nil, nil); err != nil {
		logger.Error("mark processing failed", zap.Error(err))
		return Result{URL: item.URL, Err: fmt.Errorf("mark processing: %w", err)}
	}

	if err := w.deps.Sleep(ctx, retry.Uniform(w.cfg.JitterMin, w.cfg.JitterMax)); err != nil {
		return w.finish(ctx, logger, item.URL, bulletin.StatusFailed, nil, fmt.Errorf("interrupted: %w", err))
	}

	out := w.fetch(ctx, logger, item.URL)
	if !out.Ok() {
		return w.finish(ctx, logger, item.URL, bulletin.StatusFailed, nil, out.Error())
	}

	summary, err := w.deps.Summarizer.Summarize(ctx, out.Value, item.Title)
	if err != nil {
		return w.finish(ctx, logger, item.URL, bulletin.StatusFailed, nil, fmt.Errorf("summarize: %w", err))
	}
	summary = strings.TrimSpace(summary)
	if summary == bulletin.IgnoreSentinel {
		return w.finish(ctx, logger, item.URL, bulletin.StatusIgnored, bulletin.Ptr(summary), nil)
	}

	if !w.deps.Notifier.Send(ctx, displayTitle(item), summary, out.Value.Files()) {
		return w.finish(ctx, logger, item.URL, bulletin.StatusFailed, bulletin.Ptr(summary), bulletin.ErrNotifyFailed)
	}
	return w.finish(ctx, logger, item.URL, bulletin.StatusSuccess, bulletin.Ptr(summary), nil)
}

// fetch retrieves the detail page. An expired session is invalidated and
// replaced once; a second AuthExpired is returned as is.
func (w *Worker) fetch(ctx context.Context, logger *zap.Logger, url string) bulletin.Outcome[bulletin.FetchResult] {
	session, err := w.deps.Sessions.Current(ctx)
	if err != nil {
		return bulletin.Fatal[bulletin.FetchResult]("session unavailable", err)
	}
	out := w.deps.Fetcher.FetchDetail(ctx, url, session)
	if out.Kind != bulletin.KindAuthExpired {
		return out
	}

	logger.Warn("session expired during fetch, re-authenticating", zap.String("reason", out.Reason))
	if err := w.deps.Sessions.Invalidate(ctx, session); err != nil {
		logger.Warn("invalidate session failed", zap.Error(err))
	}
	session, err = w.deps.Sessions.Current(ctx)
	if err != nil {
		return bulletin.Fatal[bulletin.FetchResult]("re-authentication failed", err)
	}
	return w.deps.Fetcher.FetchDetail(ctx, url, session)
}

func (w *Worker) finish(
	ctx context.Context,
	logger *zap.Logger,
	url string,
	status bulletin.TaskStatus,
	summary *string,
	cause error,
) Result {
	var errMsg *string
	if cause != nil {
		errMsg = bulletin.Ptr(cause.Error())
	}
	// Record the final status even when the run context is already done.
	storeCtx := context.WithoutCancel(ctx)
	if err := w.deps.Store.UpdateStatus(storeCtx, url, status, summary, errMsg); err != nil {
		logger.Error("record final status failed", zap.String("status", string(status)), zap.Error(err))
		return Result{URL: url, Status: status, Err: fmt.Errorf("record status: %w", err)}
	}
	metrics.ObserveTask(string(status))

	fields := []zap.Field{zap.String("status", string(status))}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
		logger.Warn("task failed", fields...)
	} else {
		logger.Info("task finished", fields...)
	}
	return Result{URL: url, Status: status, Err: cause}
}

func displayTitle(item bulletin.CandidateItem) string {
	if t := strings.TrimSpace(item.Title); t != "" {
		return t
	}
	return item.URL
}
