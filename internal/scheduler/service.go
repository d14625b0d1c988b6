package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"taskcal/internal/ics"
	appLog "taskcal/internal/log"
	"taskcal/internal/model"
)

// Store is what the loop needs from the task store.
type Store interface {
	Load(ctx context.Context) ([]model.Task, error)
	SetStatus(ctx context.Context, ids []string, status string) (int, error)
}

// Deliverer sends one prompt and reports success.
type Deliverer interface {
	Deliver(ctx context.Context, conversationID, userPrompt, taskID string) bool
}

// Registry is the fired-once registry as used by the loop.
type Registry interface {
	FiredLookup
	MarkFired(ctx context.Context, id string, occurrence time.Time) error
	MarkDelivered(ctx context.Context, id string, occurrence time.Time) error
}

// Options configure a Service.
type Options struct {
	Poll    time.Duration
	CatchUp time.Duration
	// Grace defaults to 2 × Poll when zero.
	Grace time.Duration
	// Concurrency bounds parallel deliveries per cycle; 1 when zero.
	Concurrency int
	// ArchiveExhausted sets status "exhausted" on tasks that can never
	// fire again.
	ArchiveExhausted bool
	// Now overrides the clock (tests).
	Now func() time.Time
}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	Tasks     int
	Due       int
	Delivered int
	Failed    int
	Skipped   int
	Archived  int
}

// Service is the poll loop: load, scan, deliver, record.
type Service struct {
	store     Store
	deliverer Deliverer
	registry  Registry
	scanner   Scanner
	opts      Options

	cycleMu sync.Mutex
	wake    chan struct{}
}

// NewService wires a poll loop.
func NewService(st Store, d Deliverer, reg Registry, opts Options) *Service {
	if opts.Poll <= 0 {
		opts.Poll = 10 * time.Second
	}
	// cron.Every rounds down to whole seconds; keep the due horizon on the
	// same interval the loop actually ticks at.
	opts.Poll = opts.Poll.Truncate(time.Second)
	if opts.Poll < time.Second {
		opts.Poll = time.Second
	}
	if opts.Grace <= 0 {
		opts.Grace = 2 * opts.Poll
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:     st,
		deliverer: d,
		registry:  reg,
		scanner: Scanner{
			Resolver: ics.NewResolver(opts.CatchUp, opts.Grace),
			Poll:     opts.Poll,
			Registry: reg,
		},
		opts: opts,
		wake: make(chan struct{}, 1),
	}
}

// Resolver returns the resolver used for due detection.
func (s *Service) Resolver() ics.Resolver { return s.scanner.Resolver }

// Wake asks Run to start a cycle as soon as possible. It never blocks.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RunCycle performs one poll cycle. Cycles never overlap. A store failure
// abandons the cycle and is returned; delivery failures are only logged.
func (s *Service) RunCycle(ctx context.Context) (res CycleResult, err error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: cycle panic: %v", r)
			appLog.Error("cycle panicked", err, "stack", string(debug.Stack()))
		}
	}()

	start := time.Now()
	now := s.opts.Now().UTC()

	tasks, err := s.store.Load(ctx)
	if err != nil {
		appLog.Error("task store unavailable; cycle abandoned", err)
		return res, fmt.Errorf("scheduler: load tasks: %w", err)
	}

	rep := s.scanner.Evaluate(tasks, now)
	res.Tasks = len(tasks)
	res.Due = len(rep.Due)
	res.Skipped = len(rep.Skipped)

	var delivered, failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, dt := range rep.Due {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					failed.Add(1)
					appLog.Error("delivery panicked", fmt.Errorf("%v", r), "task_id", dt.ID)
				}
			}()
			if !s.deliverer.Deliver(ctx, dt.ConversationID, dt.UserPrompt, dt.ID) {
				failed.Add(1)
				return nil
			}
			delivered.Add(1)
			s.record(ctx, dt)
			return nil
		})
	}
	_ = g.Wait()
	res.Delivered = int(delivered.Load())
	res.Failed = int(failed.Load())

	if s.opts.ArchiveExhausted && len(rep.Exhausted) > 0 {
		n, err := s.store.SetStatus(ctx, rep.Exhausted, model.StatusExhausted)
		if err != nil {
			appLog.Error("archive exhausted tasks failed", err, "count", len(rep.Exhausted))
		} else if n > 0 {
			res.Archived = n
			appLog.Info("archived exhausted tasks", "count", n)
		}
	}

	kv := []any{"tasks", res.Tasks, "due", res.Due, "delivered", res.Delivered, "failed", res.Failed, "took", time.Since(start)}
	if res.Due > 0 {
		appLog.Info("cycle complete", kv...)
	} else {
		appLog.Debug("cycle complete", kv...)
	}
	return res, nil
}

// record remembers a successful delivery so it is not repeated.
func (s *Service) record(ctx context.Context, dt model.DueTask) {
	var err error
	if dt.OneOff {
		err = s.registry.MarkFired(ctx, dt.ID, dt.Occurrence)
	} else {
		err = s.registry.MarkDelivered(ctx, dt.ID, dt.Occurrence)
	}
	if err != nil {
		appLog.Error("registry update failed", err, "task_id", dt.ID)
	}
}

// Run executes a cycle immediately, then every Poll interval and whenever
// Wake is called, until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	appLog.Info("scheduler started",
		"poll", s.opts.Poll,
		"grace", s.opts.Grace,
		"catch_up", s.scanner.Resolver.CatchUp,
		"concurrency", s.opts.Concurrency,
	)

	s.runLogged(ctx)

	l := appLog.CronLogger()
	c := cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	c.Schedule(cron.Every(s.opts.Poll), cron.FuncJob(func() { s.runLogged(ctx) }))
	c.Start()
	defer func() { <-c.Stop().Done() }()

	for {
		select {
		case <-ctx.Done():
			appLog.Info("scheduler stopping")
			return nil
		case <-s.wake:
			appLog.Debug("early cycle requested")
			s.runLogged(ctx)
		}
	}
}

func (s *Service) runLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	// RunCycle already logs its own failures.
	_, _ = s.RunCycle(ctx)
}
