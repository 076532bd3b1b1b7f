// Package scheduler runs fibers and callbacks over a pool of worker
// goroutines ("workers" play the role of scheduler threads).
//
// One mutex-guarded FIFO feeds every worker. A task optionally pins itself
// to a single worker; pinned tasks are never run elsewhere. Idle workers run
// a per-worker idle fiber whose body is pluggable — the reactor plugs in its
// epoll spin there.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/TonyBeen/p2p/internal/fiber"
)

// AnyWorker pins a task to no worker in particular.
const AnyWorker = -1

// Task is one queue element: a fiber handle or a bare callback, plus an
// optional pinned worker.
type Task struct {
	Fiber    *fiber.Fiber
	Callback fiber.Entry
	Worker   int
}

func (t Task) empty() bool { return t.Fiber == nil && t.Callback == nil }

// Hooks customizes worker behaviour. The reactor implements these to plug
// epoll into the idle path and the self-pipe into wakeups.
type Hooks interface {
	// Tickle wakes at least one parked worker.
	Tickle()
	// Idle runs inside the idle fiber with no runnable task: block until a
	// wakeup (or stop), then return so the worker can rescan the queue.
	Idle(ctx context.Context)
	// Stopping reports whether the owner has outstanding work that must
	// block cooperative termination (for the reactor: pending I/O
	// registrations; pending timers do not count).
	Stopping() bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithHooks installs reactor hooks.
func WithHooks(h Hooks) Option {
	return func(s *Scheduler) { s.hooks = h }
}

// WithContextDecorator installs a decorator applied to every worker context;
// the reactor uses it to expose itself and the hook environment to fibers.
func WithContextDecorator(fn func(context.Context) context.Context) Option {
	return func(s *Scheduler) { s.decorate = fn }
}

// WithCaller reserves an extra root worker slot driven by the goroutine that
// calls Stop, mirroring a caller-inclusive scheduler.
func WithCaller() Option {
	return func(s *Scheduler) { s.useCaller = true }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler owns the task queue and worker pool.
type Scheduler struct {
	name      string
	workers   int
	useCaller bool
	logger    *slog.Logger

	mu    sync.Mutex
	queue []Task

	hooks    Hooks
	decorate func(context.Context) context.Context

	stopping atomic.Bool
	active   atomic.Int32
	idlers   atomic.Int32

	baseCtx  context.Context
	wg       sync.WaitGroup
	stopOnce sync.Once

	// Default idle/tickle plumbing, used when no reactor hooks are set.
	wake   chan struct{}
	stopCh chan struct{}
}

// New creates a scheduler with n workers. It does not start them; call Start.
func New(name string, n int, opts ...Option) *Scheduler {
	if n < 1 {
		n = 1
	}
	s := &Scheduler{
		name:    name,
		workers: n,
		logger:  slog.Default(),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the scheduler name.
func (s *Scheduler) Name() string { return s.name }

// Workers returns the worker count, excluding the caller-inclusive root slot.
func (s *Scheduler) Workers() int { return s.workers }

// HasIdleWorkers reports whether any worker is parked in its idle fiber.
func (s *Scheduler) HasIdleWorkers() bool { return s.idlers.Load() > 0 }

// Start launches the worker goroutines. ctx is the root of every worker
// context.
func (s *Scheduler) Start(ctx context.Context) {
	s.baseCtx = ctx
	for i := 0; i < s.workers; i++ {
		id := i
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runWorker(id)
		}()
	}
	s.logger.Debug("scheduler started", "name", s.name, "workers", s.workers)
}

// Stop requests cooperative termination and waits for the workers to drain.
// With WithCaller, the calling goroutine participates as the root worker
// until the queue is empty.
func (s *Scheduler) Stop() {
	s.stopping.Store(true)
	s.stopOnce.Do(func() { close(s.stopCh) })
	for i := 0; i < s.workers+1; i++ {
		s.tickle()
	}
	if s.useCaller {
		s.runWorker(s.workers)
	}
	s.wg.Wait()
	s.logger.Debug("scheduler stopped", "name", s.name)
}

// Schedule appends a task and wakes a worker iff the queue was empty.
func (s *Scheduler) Schedule(t Task) {
	if t.empty() {
		return
	}
	s.mu.Lock()
	needTickle := len(s.queue) == 0
	s.queue = append(s.queue, t)
	s.mu.Unlock()
	if needTickle {
		s.tickle()
	}
}

// ScheduleAll appends a batch of tasks with at most one wakeup.
func (s *Scheduler) ScheduleAll(tasks []Task) {
	s.mu.Lock()
	needTickle := len(s.queue) == 0
	for _, t := range tasks {
		if !t.empty() {
			s.queue = append(s.queue, t)
		}
	}
	s.mu.Unlock()
	if needTickle {
		s.tickle()
	}
}

// SwitchTo re-queues the current fiber pinned to worker and yields Hold.
// Execution continues on the target worker.
func (s *Scheduler) SwitchTo(ctx context.Context, worker int) {
	f := fiber.From(ctx)
	if f == nil {
		return
	}
	s.Schedule(Task{Fiber: f, Worker: worker})
	f.YieldHold()
}

func (s *Scheduler) tickle() {
	if s.hooks != nil {
		s.hooks.Tickle()
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// take pops the first runnable task for worker id. skipped reports that a
// task for some other worker (or a still-executing fiber) was passed over,
// so the caller re-tickles.
func (s *Scheduler) take(id int) (t Task, ok, skipped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < len(s.queue); i++ {
		cand := s.queue[i]
		if cand.Worker != AnyWorker && cand.Worker != id {
			skipped = true
			continue
		}
		if cand.Fiber != nil && cand.Fiber.State() == fiber.Exec {
			skipped = true
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		return cand, true, skipped
	}
	return Task{}, false, skipped
}

func (s *Scheduler) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// shouldExit is the cooperative termination condition: stop requested, queue
// drained, nothing executing, and the hooks agree.
func (s *Scheduler) shouldExit() bool {
	if !s.stopping.Load() {
		return false
	}
	if s.queueLen() > 0 || s.active.Load() > 0 {
		return false
	}
	if s.hooks != nil && s.hooks.Stopping() {
		return false
	}
	return true
}

// runWorker is the per-worker loop: pop, resume, repeat; park in the idle
// fiber when nothing is runnable.
func (s *Scheduler) runWorker(id int) {
	ctx := s.workerContext(id)
	idle := fiber.New(s.idleEntry)
	var cbFiber *fiber.Fiber

	for {
		task, ok, skipped := s.take(id)
		if skipped {
			// Something in the queue belongs to another worker; make sure
			// someone else looks at it.
			s.tickle()
		}

		switch {
		case ok && task.Fiber != nil:
			fb := task.Fiber
			if st := fb.State(); st == fiber.Term || st == fiber.Except {
				continue
			}
			s.active.Add(1)
			fb.Resume(ctx)
			s.active.Add(-1)
			if fb.State() == fiber.Ready {
				s.Schedule(Task{Fiber: fb, Worker: task.Worker})
			}

		case ok && task.Callback != nil:
			if cbFiber == nil {
				cbFiber = fiber.New(task.Callback)
			} else if err := cbFiber.Reset(task.Callback); err != nil {
				cbFiber = fiber.New(task.Callback)
			}
			s.active.Add(1)
			cbFiber.Resume(ctx)
			s.active.Add(-1)
			switch cbFiber.State() {
			case fiber.Ready:
				s.Schedule(Task{Fiber: cbFiber, Worker: AnyWorker})
				cbFiber = nil
			case fiber.Hold:
				// Suspended inside I/O; the reactor owns rescheduling it as
				// a fiber task. A fresh callback fiber is made next time.
				cbFiber = nil
			default:
				// Term or Except: reusable after Reset.
			}

		default:
			if s.shouldExit() {
				return
			}
			s.idlers.Add(1)
			idle.Resume(ctx)
			s.idlers.Add(-1)
			if idle.State() == fiber.Term || idle.State() == fiber.Except {
				if s.shouldExit() {
					return
				}
				_ = idle.Reset(s.idleEntry)
			}
		}
	}
}

// idleEntry is the idle fiber body: park in the idle hook, then yield back
// so the worker rescans the queue.
func (s *Scheduler) idleEntry(ctx context.Context) {
	f := fiber.From(ctx)
	for {
		if s.shouldExit() {
			return
		}
		if s.hooks != nil {
			s.hooks.Idle(ctx)
		} else {
			select {
			case <-s.wake:
			case <-s.stopCh:
			}
		}
		if s.shouldExit() {
			return
		}
		f.YieldHold()
	}
}

func (s *Scheduler) workerContext(id int) context.Context {
	ctx := s.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = With(ctx, s)
	ctx = withWorker(ctx, id)
	if s.decorate != nil {
		ctx = s.decorate(ctx)
	}
	return ctx
}

type ctxKey struct{}
type workerKey struct{}

// With returns a context carrying s as the current scheduler.
func With(ctx context.Context, s *Scheduler) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// From returns the current scheduler, or nil outside worker context.
func From(ctx context.Context) *Scheduler {
	s, _ := ctx.Value(ctxKey{}).(*Scheduler)
	return s
}

func withWorker(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, workerKey{}, id)
}

// WorkerID returns the current worker index, or AnyWorker outside worker
// context.
func WorkerID(ctx context.Context) int {
	if id, ok := ctx.Value(workerKey{}).(int); ok {
		return id
	}
	return AnyWorker
}
