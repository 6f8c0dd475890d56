// Package scheduler runs named periodic tasks on independent timers.
// A fire that lands while the same task is still running is skipped,
// never queued, so a slow provider cannot build an execution backlog.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quotewire/quotewire/pkg/metrics"
)

var (
	ErrAlreadyRegistered = errors.New("scheduler: task already registered")
	ErrNoSuchTask        = errors.New("scheduler: no such task")
	ErrTaskBusy          = errors.New("scheduler: task is running")
	ErrStarted           = errors.New("scheduler: already started")
)

// TaskFunc is a task body. Returned errors are recorded as the task's
// LastError; they never stop the timer.
type TaskFunc func(ctx context.Context) error

// TaskStatus is a point-in-time snapshot of one task.
type TaskStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	LastRunAt time.Time     `json:"last_run_at"`
	NextRunAt time.Time     `json:"next_run_at"`
	IsRunning bool          `json:"is_running"`
	LastError string        `json:"last_error,omitempty"`
}

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc

	running atomic.Bool

	mu        sync.Mutex
	lastRunAt time.Time
	nextRunAt time.Time
	lastErr   error
}

// Scheduler owns a set of named periodic tasks. Construct with New,
// register tasks before Start, tear down with Stop.
type Scheduler struct {
	log *zap.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(log *zap.Logger) *Scheduler {
	return &Scheduler{
		log:   log,
		tasks: make(map[string]*task),
	}
}

// Register adds a named task. Registration after Start is rejected so
// the running-task set stays fixed for the process lifetime.
func (s *Scheduler) Register(name string, interval time.Duration, fn TaskFunc) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: task %s: interval must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	s.tasks[name] = &task{name: name, interval: interval, fn: fn}
	return nil
}

// Start launches one timer goroutine per registered task.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, t := range s.tasks {
		t.mu.Lock()
		t.nextRunAt = time.Now().Add(t.interval)
		t.mu.Unlock()

		s.wg.Add(1)
		go s.loop(t)
	}
	s.log.Info("scheduler started", zap.Int("tasks", len(s.tasks)))
	return nil
}

func (s *Scheduler) loop(t *task) {
	defer s.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !t.running.CompareAndSwap(false, true) {
				metrics.TaskOverlapsSkipped.WithLabelValues(t.name).Inc()
				s.log.Info("scheduled fire skipped, task still running",
					zap.String("task", t.name))
				t.mu.Lock()
				t.nextRunAt = time.Now().Add(t.interval)
				t.mu.Unlock()
				continue
			}
			s.execute(t)
		}
	}
}

// Trigger runs the task immediately, out of band. A task already in
// flight is rejected with ErrTaskBusy rather than queued; callers retry
// once the running execution finishes.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchTask, name)
	}
	if !t.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrTaskBusy, name)
	}
	s.execute(t)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastErr != nil {
		return fmt.Errorf("task %s: %w", name, t.lastErr)
	}
	return nil
}

// execute runs the task body with the running flag held and records the
// outcome. Panics are contained and recorded like errors.
func (s *Scheduler) execute(t *task) {
	defer t.running.Store(false)

	started := time.Now()
	t.mu.Lock()
	t.lastRunAt = started
	t.nextRunAt = started.Add(t.interval)
	t.mu.Unlock()

	err := s.runBody(s.runCtx(), t)

	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()

	if err != nil {
		metrics.TaskRuns.WithLabelValues(t.name, "error").Inc()
		s.log.Error("task failed",
			zap.String("task", t.name),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return
	}
	metrics.TaskRuns.WithLabelValues(t.name, "success").Inc()
	s.log.Debug("task completed",
		zap.String("task", t.name),
		zap.Duration("elapsed", time.Since(started)))
}

// runCtx snapshots the lifecycle context under the lock; Trigger may
// race Start, which writes s.ctx.
func (s *Scheduler) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

func (s *Scheduler) runBody(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
	}()
	return t.fn(ctx)
}

// Status returns a snapshot of every registered task.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].name < tasks[j].name })

	out := make([]TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		st := TaskStatus{
			Name:      t.name,
			Interval:  t.interval,
			LastRunAt: t.lastRunAt,
			NextRunAt: t.nextRunAt,
			IsRunning: t.running.Load(),
		}
		if t.lastErr != nil {
			st.LastError = t.lastErr.Error()
		}
		t.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Stop cancels every task timer and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}
