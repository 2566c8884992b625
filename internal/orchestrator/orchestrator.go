// Package orchestrator runs one discovery pass: authenticate, discover,
// filter already finished items, register the rest and dispatch them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/dispatcher"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/metrics"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/telemetry"
)

// Dispatcher runs candidates to completion.
type Dispatcher interface {
	Run(ctx context.Context, items []bulletin.CandidateItem) dispatcher.Report
}

// IDGenerator mints run identifiers.
type IDGenerator interface {
	RunID() (string, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Sessions bulletin.SessionProvider
	Fetcher  bulletin.ContentFetcher
	Store    bulletin.TaskStore
	Pool     Dispatcher
	IDs      IDGenerator
	Logger   *zap.Logger
	Now      func() time.Time
}

// Orchestrator is safe for concurrent use; only one Run executes at a time.
type Orchestrator struct {
	listURL string
	deps    Deps
	logger  *zap.Logger

	running sync.Mutex
	mu      sync.RWMutex
	last    *bulletin.RunReport
}

// New validates deps.
func New(listURL string, deps Deps) (*Orchestrator, error) {
	if listURL == "" {
		return nil, errors.New("list url is required")
	}
	if deps.Sessions == nil || deps.Fetcher == nil || deps.Store == nil || deps.Pool == nil || deps.IDs == nil {
		return nil, errors.New("orchestrator requires sessions, fetcher, store, pool and id generator")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{listURL: listURL, deps: deps, logger: logger.Named("orchestrator")}, nil
}

// Run executes one pass. A concurrent call returns bulletin.ErrRunInProgress.
// Task-level failures are recorded in the report, not returned.
func (o *Orchestrator) Run(ctx context.Context) (bulletin.RunReport, error) {
	if !o.running.TryLock() {
		return bulletin.RunReport{}, bulletin.ErrRunInProgress
	}
	defer o.running.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.run")
	report, err := o.run(ctx)
	span.SetAttributes(
		attribute.String("run_id", report.RunID),
		attribute.Int("discovered", report.Discovered),
		attribute.Int("dispatched", report.Dispatched),
	)
	telemetry.End(span, err)
	return report, err
}

func (o *Orchestrator) run(ctx context.Context) (bulletin.RunReport, error) {
	runID, err := o.deps.IDs.RunID()
	if err != nil {
		return bulletin.RunReport{}, fmt.Errorf("run id: %w", err)
	}
	report := bulletin.RunReport{
		RunID:     runID,
		StartedAt: o.deps.Now(),
		Statuses:  map[bulletin.TaskStatus]int{},
	}
	logger := o.logger.With(zap.String("run_id", runID))
	logger.Info("run started", zap.String("list_url", o.listURL))

	candidates, err := o.discover(ctx, logger)
	if err != nil {
		logger.Error("run aborted", zap.Error(err))
		return report, err
	}
	report.Discovered = len(candidates)

	pending := make([]bulletin.CandidateItem, 0, len(candidates))
	for _, c := range candidates {
		finished, err := o.deps.Store.IsFinished(ctx, c.URL)
		if err != nil {
			return report, fmt.Errorf("dedup check %s: %w", c.URL, err)
		}
		if finished {
			report.Skipped++
			continue
		}
		if _, err := o.deps.Store.Register(ctx, c.URL, c.Title); err != nil {
			return report, fmt.Errorf("register %s: %w", c.URL, err)
		}
		pending = append(pending, c)
	}
	report.Dispatched = len(pending)
	logger.Info("dispatching",
		zap.Int("discovered", report.Discovered),
		zap.Int("skipped", report.Skipped),
		zap.Int("dispatched", report.Dispatched),
	)

	result := o.deps.Pool.Run(ctx, pending)
	for status, n := range result.Statuses {
		report.Statuses[status] = n
	}
	report.Skipped += result.Skipped
	report.FinishedAt = o.deps.Now()
	metrics.ObserveRun(report.FinishedAt.Sub(report.StartedAt))

	logger.Info("run finished",
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
		zap.Any("statuses", report.Statuses),
		zap.Int("errors", result.Errors),
	)
	o.mu.Lock()
	o.last = &report
	o.mu.Unlock()
	return report, nil
}

// discover lists candidates. An expired session is invalidated, replaced and
// the listing retried exactly once.
func (o *Orchestrator) discover(ctx context.Context, logger *zap.Logger) ([]bulletin.CandidateItem, error) {
	session, err := o.deps.Sessions.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	out := o.deps.Fetcher.Discover(ctx, o.listURL, session)
	if out.Kind == bulletin.KindAuthExpired {
		logger.Warn("session expired on listing, re-authenticating", zap.String("reason", out.Reason))
		if err := o.deps.Sessions.Invalidate(ctx, session); err != nil {
			logger.Warn("invalidate session failed", zap.Error(err))
		}
		session, err = o.deps.Sessions.Current(ctx)
		if err != nil {
			return nil, fmt.Errorf("re-authenticate: %w", err)
		}
		out = o.deps.Fetcher.Discover(ctx, o.listURL, session)
	}
	if !out.Ok() {
		return nil, fmt.Errorf("discover: %w", out.Error())
	}
	return out.Value, nil
}

// Running reports whether a pass is in progress.
func (o *Orchestrator) Running() bool {
	if o.running.TryLock() {
		o.running.Unlock()
		return false
	}
	return true
}

// LastReport returns the most recent completed run, if any.
func (o *Orchestrator) LastReport() (bulletin.RunReport, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return bulletin.RunReport{}, false
	}
	return *o.last, true
}
