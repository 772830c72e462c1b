// Package scheduler runs upload work on a small fixed pool of workers and
// fires delayed and periodic tasks onto it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/event-courier/internal/logging"
)

var (
	// ErrStopped is returned when work is handed to a scheduler that is not
	// running.
	ErrStopped = errors.New("scheduler is stopped")
	// ErrQueueFull is returned by Submit when every worker is busy and the
	// task queue is at capacity.
	ErrQueueFull = errors.New("scheduler queue is full")
)

// Task is a unit of work. ctx is cancelled when the scheduler stops.
type Task func(ctx context.Context)

// Config holds the pool dimensions.
type Config struct {
	// Workers is the number of goroutines executing tasks (default: 4).
	Workers int
	// QueueSize bounds the tasks waiting for a worker (default: 256).
	QueueSize int
}

// Scheduler is a restartable worker pool with timers. The zero value is not
// usable; call New.
type Scheduler struct {
	cfg Config

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	tasks   chan Task
	timers  map[*Handle]struct{}
	wg      sync.WaitGroup

	inflight atomic.Int64
}

// New creates a stopped scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Scheduler{cfg: cfg}
}

// Start launches the workers. Starting a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.tasks = make(chan Task, s.cfg.QueueSize)
	s.timers = make(map[*Handle]struct{})
	s.running = true

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(s.ctx, s.tasks)
	}
	logging.Debug("scheduler started", logging.F(
		"component", "scheduler",
		"workers", s.cfg.Workers,
		"queue_size", s.cfg.QueueSize,
	))
}

// Stop cancels every timer and the task context, then waits for running
// tasks to return. Tasks still queued run once, inline, with the cancelled
// context so they can hand their work back to durable storage. Stop is
// idempotent and the scheduler can be started again afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for h := range s.timers {
		h.stopTimer()
	}
	s.timers = nil
	s.cancel()
	ctx, tasks := s.ctx, s.tasks
	s.mu.Unlock()

	s.wg.Wait()

	drained := 0
	for len(tasks) > 0 {
		s.run(ctx, <-tasks)
		drained++
	}
	schedulerQueueDepth.Set(0)
	logging.Debug("scheduler stopped", logging.F(
		"component", "scheduler",
		"drained_tasks", drained,
	))
}

// Running reports whether the scheduler accepts work.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// InFlight returns the number of tasks currently executing.
func (s *Scheduler) InFlight() int {
	return int(s.inflight.Load())
}

// Submit queues task for immediate execution without blocking.
func (s *Scheduler) Submit(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		schedulerRejectedTotal.WithLabelValues("stopped").Inc()
		return ErrStopped
	}
	select {
	case s.tasks <- task:
		schedulerSubmittedTotal.Inc()
		schedulerQueueDepth.Set(float64(len(s.tasks)))
		return nil
	default:
		schedulerRejectedTotal.WithLabelValues("queue_full").Inc()
		return ErrQueueFull
	}
}

// After runs task once after d.
func (s *Scheduler) After(d time.Duration, task Task) (*Handle, error) {
	return s.schedule(d, 0, task)
}

// Every runs task every d, starting d from now. A run that is still queued
// or executing does not delay the next tick.
func (s *Scheduler) Every(d time.Duration, task Task) (*Handle, error) {
	if d <= 0 {
		return nil, fmt.Errorf("scheduler: non-positive period %s", d)
	}
	return s.schedule(d, d, task)
}

func (s *Scheduler) schedule(delay, period time.Duration, task Task) (*Handle, error) {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		schedulerRejectedTotal.WithLabelValues("stopped").Inc()
		return nil, ErrStopped
	}
	h := &Handle{s: s, period: period, task: task, gen: s.ctx}
	h.mu.Lock()
	h.timer = time.AfterFunc(delay, h.fire)
	h.mu.Unlock()
	s.timers[h] = struct{}{}
	return h, nil
}

// dispatch hands a timer-fired task to the workers, waiting for queue room
// instead of dropping it. It reports false when the scheduler stopped or
// restarted since the timer was armed.
func (s *Scheduler) dispatch(gen context.Context, task Task) bool {
	s.mu.Lock()
	if !s.running || s.ctx != gen {
		s.mu.Unlock()
		return false
	}
	tasks := s.tasks
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	select {
	case tasks <- task:
		schedulerSubmittedTotal.Inc()
		schedulerQueueDepth.Set(float64(len(tasks)))
		return true
	case <-gen.Done():
		return false
	}
}

func (s *Scheduler) forget(h *Handle) {
	s.mu.Lock()
	if s.timers != nil {
		delete(s.timers, h)
	}
	s.mu.Unlock()
}

func (s *Scheduler) worker(ctx context.Context, tasks <-chan Task) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-tasks:
			schedulerQueueDepth.Set(float64(len(tasks)))
			s.run(ctx, task)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, task Task) {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			schedulerPanicsTotal.Inc()
			logging.Error("scheduled task panicked", logging.F(
				"component", "scheduler",
				"panic", fmt.Sprint(r),
			))
		}
	}()
	task(ctx)
}

// Handle controls a task armed with After or Every.
type Handle struct {
	s      *Scheduler
	gen    context.Context
	task   Task
	period time.Duration

	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool
	fired     bool
}

func (h *Handle) fire() {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	if h.period == 0 {
		h.fired = true
	}
	h.mu.Unlock()

	if !h.s.dispatch(h.gen, h.task) || h.period == 0 {
		h.s.forget(h)
		return
	}

	h.mu.Lock()
	if !h.cancelled {
		h.timer.Reset(h.period)
	}
	h.mu.Unlock()
}

// Cancel prevents future runs. It reports whether a run was still pending;
// a run already handed to a worker is not interrupted.
func (h *Handle) Cancel() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	pending := !h.cancelled && !h.fired
	h.cancelled = true
	h.timer.Stop()
	h.mu.Unlock()
	h.s.forget(h)
	return pending
}

// Pending reports whether the task will still run at least once.
func (h *Handle) Pending() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.cancelled && !h.fired
}

func (h *Handle) stopTimer() {
	h.mu.Lock()
	h.cancelled = true
	h.timer.Stop()
	h.mu.Unlock()
}
