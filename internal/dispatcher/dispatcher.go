// Package dispatcher fans candidates out to a bounded pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/queue/memory"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/worker"
)

// DefaultSize is the pool size used when none is configured.
const DefaultSize = 2

// Processor handles one candidate. *worker.Worker satisfies it.
type Processor interface {
	Process(ctx context.Context, item bulletin.CandidateItem) worker.Result
}

// Report tallies the results of one Run.
type Report struct {
	Statuses map[bulletin.TaskStatus]int
	Skipped  int
	Errors   int
}

// Pool runs at most Size tasks at once.
type Pool struct {
	size   int
	proc   Processor
	logger *zap.Logger
}

// New creates a Pool.
func New(size int, proc Processor, logger *zap.Logger) (*Pool, error) {
	if proc == nil {
		return nil, errors.New("dispatcher requires a processor")
	}
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{size: size, proc: proc, logger: logger.Named("dispatcher")}, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Run processes items and blocks until every started task is done. Task
// failures are counted, never returned. Cancelling ctx stops workers from
// picking up new items.
func (p *Pool) Run(ctx context.Context, items []bulletin.CandidateItem) Report {
	report := Report{Statuses: map[bulletin.TaskStatus]int{}}
	if len(items) == 0 {
		return report
	}

	q := memory.NewQueue[bulletin.CandidateItem](len(items))
	for _, item := range items {
		if err := q.Enqueue(ctx, item); err != nil {
			p.logger.Warn("enqueue failed", zap.String("url", item.URL), zap.Error(err))
		}
	}
	q.Close()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	workers := min(p.size, len(items))
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := q.Dequeue(ctx)
				if err != nil {
					if !errors.Is(err, memory.ErrClosed) {
						p.logger.Debug("worker stopping", zap.Int("worker", i), zap.Error(err))
					}
					return
				}
				res := p.process(ctx, item)
				mu.Lock()
				report.add(res)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return report
}

func (p *Pool) process(ctx context.Context, item bulletin.CandidateItem) (res worker.Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("processor panicked", zap.String("url", item.URL), zap.Any("panic", r))
			res = worker.Result{URL: item.URL, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return p.proc.Process(ctx, item)
}

func (r *Report) add(res worker.Result) {
	switch {
	case res.Skipped:
		r.Skipped++
	case res.Status != "":
		r.Statuses[res.Status]++
	default:
		r.Errors++
	}
}

// Total is the number of items that reached a final status.
func (r Report) Total() int {
	n := 0
	for _, c := range r.Statuses {
		n += c
	}
	return n
}
