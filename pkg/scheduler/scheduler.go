// Package scheduler runs the daemon's periodic tasks on independent
// timers with per-task-name mutual exclusion.
//
// Guarantees:
//   - a task never overlaps another execution of itself: a tick that
//     finds the task still running is skipped, not queued
//   - tasks of different names run concurrently, dispatched to a bounded
//     worker pool
//   - on shutdown no new ticks start; in-flight executions get a bounded
//     drain period, after which they are cancelled
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Task is one periodically executed unit of work.
type Task struct {
	// Name identifies the task; the non-overlap guard is keyed by it.
	Name string

	// Interval separates consecutive ticks. Must be > 0.
	Interval time.Duration

	// Run performs one execution. A returned error is logged and the
	// task retries on its next tick; it is never fatal to the daemon.
	Run func(ctx context.Context) error
}

// Status is a point-in-time snapshot of one scheduled task.
type Status struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Running      bool          `json:"running"`
	Runs         int64         `json:"runs"`
	Skips        int64         `json:"skips"`
	Failures     int64         `json:"failures"`
	LastStarted  *time.Time    `json:"last_started,omitempty"`
	LastFinished *time.Time    `json:"last_finished,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

type task struct {
	Task

	running  atomic.Bool
	runs     atomic.Int64
	skips    atomic.Int64
	failures atomic.Int64

	mu           sync.Mutex
	lastStarted  *time.Time
	lastFinished *time.Time
	lastError    string
}

// Config configures a Scheduler.
type Config struct {
	// Workers bounds concurrent task executions. Default: 4.
	Workers int

	// DrainTimeout bounds how long shutdown waits for in-flight
	// executions before cancelling them. Default: 30s.
	DrainTimeout time.Duration
}

// Scheduler dispatches registered tasks to a bounded worker pool.
type Scheduler struct {
	cfg    Config
	tasks  []*task
	clock  clock.Clock
	logger *zap.Logger

	started atomic.Bool
}

func New(cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, clock: clock.New(), logger: logger}
}

// WithClock replaces the time source. Intended for tests.
func (s *Scheduler) WithClock(c clock.Clock) *Scheduler {
	s.clock = c
	return s
}

// Register adds a task. Must be called before Run.
func (s *Scheduler) Register(t Task) error {
	if s.started.Load() {
		return errors.New("scheduler already running")
	}
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("task name is required")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be > 0", t.Name)
	}
	if t.Run == nil {
		return fmt.Errorf("task %s: run func is required", t.Name)
	}
	for _, existing := range s.tasks {
		if existing.Name == t.Name {
			return fmt.Errorf("task %s already registered", t.Name)
		}
	}
	s.tasks = append(s.tasks, &task{Task: t})
	return nil
}

// Snapshot reports the current status of every registered task.
func (s *Scheduler) Snapshot() []Status {
	out := make([]Status, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.mu.Lock()
		st := Status{
			Name:         t.Name,
			Interval:     t.Interval,
			Running:      t.running.Load(),
			Runs:         t.runs.Load(),
			Skips:        t.skips.Load(),
			Failures:     t.failures.Load(),
			LastStarted:  t.lastStarted,
			LastFinished: t.lastFinished,
			LastError:    t.lastError,
		}
		t.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Run ticks every registered task until ctx is cancelled, then drains.
// Each task also runs once immediately at startup.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	if len(s.tasks) == 0 {
		return errors.New("no tasks registered")
	}

	// Executions outlive the tick context so shutdown can drain them.
	taskCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()

	work := make(chan *task)

	var workers sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for t := range work {
				s.execute(taskCtx, t)
			}
		}()
	}

	var tickers sync.WaitGroup
	for _, t := range s.tasks {
		tickers.Add(1)
		go func(t *task) {
			defer tickers.Done()
			s.tickLoop(ctx, t, work)
		}(t)
	}

	<-ctx.Done()
	tickers.Wait()
	close(work)

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-s.clock.After(s.cfg.DrainTimeout):
		s.logger.Warn("drain timeout reached, cancelling in-flight tasks",
			zap.Duration("drain_timeout", s.cfg.DrainTimeout))
		cancelTasks()
		<-drained
	}

	return nil
}

func (s *Scheduler) tickLoop(ctx context.Context, t *task, work chan<- *task) {
	if !s.submit(ctx, t, work) {
		return
	}

	ticker := s.clock.Ticker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.submit(ctx, t, work) {
				return
			}
		}
	}
}

// submit claims the task's running flag at tick time and hands it to the
// pool. A tick that finds the flag set is a skip. Returns false once ctx
// is done.
func (s *Scheduler) submit(ctx context.Context, t *task, work chan<- *task) bool {
	if ctx.Err() != nil {
		return false
	}
	if !t.running.CompareAndSwap(false, true) {
		t.skips.Add(1)
		s.logger.Debug("tick skipped, task still running",
			zap.String("task", t.Name))
		return true
	}
	select {
	case work <- t:
		return true
	case <-ctx.Done():
		t.running.Store(false)
		return false
	}
}

func (s *Scheduler) execute(ctx context.Context, t *task) {
	defer t.running.Store(false)

	start := s.clock.Now()
	t.mu.Lock()
	t.lastStarted = &start
	t.mu.Unlock()

	err := t.Run(ctx)

	finish := s.clock.Now()
	t.runs.Add(1)
	t.mu.Lock()
	t.lastFinished = &finish
	if err != nil {
		t.lastError = err.Error()
	} else {
		t.lastError = ""
	}
	t.mu.Unlock()

	if err != nil {
		t.failures.Add(1)
		s.logger.Warn("task failed, retrying on next tick",
			zap.String("task", t.Name),
			zap.Duration("duration", finish.Sub(start)),
			zap.Error(err))
		return
	}

	s.logger.Debug("task complete",
		zap.String("task", t.Name),
		zap.Duration("duration", finish.Sub(start)))
}
