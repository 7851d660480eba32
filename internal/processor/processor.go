// Package processor drives task runs forward: it claims queued task runs and
// pending stack runs, executes capability calls and nested tasks, and resumes
// the waiting task run once a call resolves.
package processor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xiaot623/gogo/tasker/internal/capability"
	"github.com/xiaot623/gogo/tasker/internal/domain"
	"github.com/xiaot623/gogo/tasker/internal/executor"
	"github.com/xiaot623/gogo/tasker/internal/metrics"
	"github.com/xiaot623/gogo/tasker/internal/notifier"
	"github.com/xiaot623/gogo/tasker/internal/repository"
	"github.com/xiaot623/gogo/tasker/policy"
)

// Options tunes the worker pool and its retry and lease behaviour.
type Options struct {
	Workers         int
	MaxInFlight     int
	BatchSize       int
	PollMin         time.Duration
	PollMax         time.Duration
	Lease           time.Duration
	DeferredTimeout time.Duration
	CallTimeout     time.Duration
	MaxAttempts     int
	RetryBase       time.Duration
	RetryMax        time.Duration

	// RecoveryInterval is how often expired leases and stalled runs are swept.
	RecoveryInterval time.Duration
	// StallGrace is how long a resolved call may wait for its propagation
	// before the sweep re-propagates it.
	StallGrace time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 16
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.PollMin <= 0 {
		o.PollMin = 50 * time.Millisecond
	}
	if o.PollMax < o.PollMin {
		o.PollMax = 2 * time.Second
		if o.PollMax < o.PollMin {
			o.PollMax = o.PollMin
		}
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	if o.DeferredTimeout <= 0 {
		o.DeferredTimeout = 10 * time.Minute
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 20 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 200 * time.Millisecond
	}
	if o.RetryMax < o.RetryBase {
		o.RetryMax = 50 * o.RetryBase
	}
	if o.RecoveryInterval <= 0 {
		o.RecoveryInterval = 500 * time.Millisecond
	}
	if o.StallGrace <= 0 {
		o.StallGrace = 5 * time.Second
	}
	return o
}

// Deps are the collaborators a processor needs. Policy, Notifier, Metrics and
// Logger are optional.
type Deps struct {
	Store        repository.Store
	Executor     *executor.Executor
	Capabilities capability.Provider
	Policy       *policy.Engine
	Notifier     *notifier.Notifier
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// Processor is the stack processor worker pool.
type Processor struct {
	store    repository.Store
	exec     *executor.Executor
	caps     capability.Provider
	policy   *policy.Engine
	notifier *notifier.Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
	opts     Options
	sem      *semaphore.Weighted
	now      func() time.Time
}

// New creates a processor.
func New(deps Deps, opts Options) *Processor {
	opts = opts.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	n := deps.Notifier
	if n == nil {
		n = notifier.New()
	}
	return &Processor{
		store:    deps.Store,
		exec:     deps.Executor,
		caps:     deps.Capabilities,
		policy:   deps.Policy,
		notifier: n,
		metrics:  deps.Metrics,
		logger:   logger.Named("processor"),
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxInFlight)),
		now:      time.Now,
	}
}

// Notifier returns the wake-up signal the dispatch loop listens on.
func (p *Processor) Notifier() *notifier.Notifier {
	return p.notifier
}

type jobKind int

const (
	jobTaskRun jobKind = iota
	jobStackRun
)

type job struct {
	kind jobKind
	id   string
}

// Run starts the dispatch loop, the workers and the recovery monitor, and blocks
// until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	// Unbuffered: the dispatch loop only lists more work once a worker is free.
	jobs := make(chan job)

	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			p.worker(ctx, jobs)
			return nil
		})
	}
	g.Go(func() error {
		p.dispatchLoop(ctx, jobs)
		return nil
	})
	g.Go(func() error {
		p.RunRecoveryMonitor(ctx)
		return nil
	})

	p.logger.Info("processor started",
		zap.Int("workers", p.opts.Workers),
		zap.Int("max_in_flight", p.opts.MaxInFlight))
	err := g.Wait()
	p.logger.Info("processor stopped")
	return err
}

func (p *Processor) dispatchLoop(ctx context.Context, jobs chan<- job) {
	interval := p.opts.PollMin
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.notifier.C():
			interval = p.opts.PollMin
		case <-timer.C:
		}

		found, err := p.poll(ctx, jobs)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("poll failed", zap.Error(err))
		}
		if found > 0 {
			interval = p.opts.PollMin
		} else {
			interval *= 2
			if interval > p.opts.PollMax {
				interval = p.opts.PollMax
			}
		}
		timer.Reset(interval)
	}
}

// poll hands queued task runs and pending stack runs to the workers. It returns
// the number of jobs handed out.
func (p *Processor) poll(ctx context.Context, jobs chan<- job) (int, error) {
	found := 0

	runs, err := p.store.ListQueuedTaskRuns(ctx, p.opts.BatchSize)
	if err != nil {
		return found, err
	}
	for _, run := range runs {
		if !send(ctx, jobs, job{kind: jobTaskRun, id: run.TaskRunID}) {
			return found, ctx.Err()
		}
		found++
	}

	stackRuns, err := p.store.ListPendingStackRuns(ctx, p.opts.BatchSize)
	if err != nil {
		return found, err
	}
	for _, sr := range stackRuns {
		if !send(ctx, jobs, job{kind: jobStackRun, id: sr.StackRunID}) {
			return found, ctx.Err()
		}
		found++
	}
	return found, nil
}

func send(ctx context.Context, jobs chan<- job, j job) bool {
	select {
	case jobs <- j:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Processor) worker(ctx context.Context, jobs <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-jobs:
			var err error
			switch j.kind {
			case jobTaskRun:
				err = p.StartTaskRun(ctx, j.id)
			case jobStackRun:
				err = p.ProcessStackRun(ctx, j.id)
			}
			if err != nil && ctx.Err() == nil {
				p.logger.Error("job failed", zap.String("id", j.id), zap.Error(err))
			}
		}
	}
}

func (p *Processor) lease() time.Time {
	return p.now().Add(p.opts.Lease)
}

func newToken() string {
	return uuid.NewString()
}

func (p *Processor) recordEvent(ctx context.Context, taskRunID string, eventType domain.EventType, payload interface{}) {
	event, err := domain.NewEvent(taskRunID, eventType, payload)
	if err == nil {
		err = p.store.CreateEvent(ctx, event)
	}
	if err != nil {
		p.logger.Warn("failed to record event",
			zap.String("task_run_id", taskRunID),
			zap.String("type", string(eventType)),
			zap.Error(err))
	}
}
