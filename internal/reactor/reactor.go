// Package reactor implements the IOManager: a scheduler whose idle path
// multiplexes descriptor readiness (epoll, edge-triggered) and drives the
// timer wheel. Fibers suspended on I/O are rescheduled when their direction
// becomes ready, a timer fires, or the event is cancelled.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/TonyBeen/p2p/internal/fiber"
	"github.com/TonyBeen/p2p/internal/pool"
	"github.com/TonyBeen/p2p/internal/scheduler"
	"github.com/TonyBeen/p2p/internal/timer"
)

// EventType is a readiness direction. Values match epoll's so interest masks
// translate directly.
type EventType uint32

const (
	// Read interest (EPOLLIN).
	Read EventType = unix.EPOLLIN
	// Write interest (EPOLLOUT).
	Write EventType = unix.EPOLLOUT
)

func (e EventType) String() string {
	switch e {
	case Read:
		return "read"
	case Write:
		return "write"
	}
	return fmt.Sprintf("event(%#x)", uint32(e))
}

// ErrDuplicateEvent is returned when a direction is registered twice without
// an intervening trigger or removal.
var ErrDuplicateEvent = errors.New("event already registered for direction")

// ErrNoFiber is returned when AddEvent has neither a callback nor a calling
// fiber to bind.
var ErrNoFiber = errors.New("add event outside fiber context requires a callback")

// maxIdleWaitMs caps one epoll wait so shutdown and timer re-arms are
// observed promptly.
const maxIdleWaitMs = 3000

// eventCtx is one direction's binding: the scheduler to wake plus exactly
// one of fiber or callback.
type eventCtx struct {
	sched *scheduler.Scheduler
	fib   *fiber.Fiber
	cb    fiber.Entry
}

func (ec *eventCtx) reset() {
	ec.sched = nil
	ec.fib = nil
	ec.cb = nil
}

// fdContext carries a descriptor's current interest mask and per-direction
// bindings. The mutex orders registration, triggering, and epoll mutation
// for this descriptor.
type fdContext struct {
	mu     sync.Mutex
	fd     int
	events EventType
	read   eventCtx
	write  eventCtx
}

func (fc *fdContext) get(ev EventType) *eventCtx {
	if ev == Read {
		return &fc.read
	}
	return &fc.write
}

// Option configures an IOManager.
type Option func(*IOManager)

// WithEventSize sets the readiness batch size for epoll_wait.
func WithEventSize(n int) Option {
	return func(m *IOManager) {
		if n > 0 {
			m.eventSize = n
		}
	}
}

// WithLogger sets the reactor logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *IOManager) { m.logger = l }
}

// WithContextDecorator chains an extra decorator onto worker contexts, after
// the reactor has installed itself. The hook layer's environment is injected
// here.
func WithContextDecorator(fn func(context.Context) context.Context) Option {
	return func(m *IOManager) { m.decorate = fn }
}

// WithCaller reserves the caller-inclusive root worker slot.
func WithCaller() Option {
	return func(m *IOManager) { m.useCaller = true }
}

// IOManager is the reactor: scheduling plus readiness multiplexing plus
// timers.
type IOManager struct {
	*scheduler.Scheduler

	logger    *slog.Logger
	timers    *timer.Manager
	eventSize int
	useCaller bool
	decorate  func(context.Context) context.Context

	epfd  int
	wakeR int
	wakeW int

	mu       sync.RWMutex
	contexts []*fdContext

	// pending counts registered directions; non-zero blocks cooperative
	// scheduler termination.
	pending atomic.Int64

	eventBufs *pool.Pool[[]unix.EpollEvent]
}

// New creates and starts nothing: call Start. workers is the worker
// goroutine count.
func New(name string, workers int, opts ...Option) (*IOManager, error) {
	m := &IOManager{
		logger:    slog.Default(),
		eventSize: 256,
		epfd:      -1,
		wakeR:     -1,
		wakeW:     -1,
		contexts:  make([]*fdContext, 64),
	}
	for _, opt := range opts {
		opt(m)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	var pipefd [2]int
	if err := unix.Pipe2(pipefd[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("pipe2: %w", err)
	}

	m.epfd = epfd
	m.wakeR = pipefd[0]
	m.wakeW = pipefd[1]

	wakeEv := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(m.wakeR)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, m.wakeR, &wakeEv); err != nil {
		m.closeFDs()
		return nil, fmt.Errorf("register tickle pipe: %w", err)
	}

	m.timers = timer.NewManager(m.Tickle)
	m.eventBufs = pool.New(func() []unix.EpollEvent {
		return make([]unix.EpollEvent, m.eventSize)
	})

	schedOpts := []scheduler.Option{
		scheduler.WithHooks((*ioHooks)(m)),
		scheduler.WithLogger(m.logger),
		scheduler.WithContextDecorator(m.workerContext),
	}
	if m.useCaller {
		schedOpts = append(schedOpts, scheduler.WithCaller())
	}
	m.Scheduler = scheduler.New(name, workers, schedOpts...)
	return m, nil
}

// Timers exposes the reactor's timer wheel.
func (m *IOManager) Timers() *timer.Manager { return m.timers }

// Stop drains the scheduler cooperatively, then releases the multiplexer.
func (m *IOManager) Stop() {
	m.Scheduler.Stop()
	m.closeFDs()
}

func (m *IOManager) closeFDs() {
	if m.epfd >= 0 {
		_ = unix.Close(m.epfd)
		m.epfd = -1
	}
	if m.wakeR >= 0 {
		_ = unix.Close(m.wakeR)
		m.wakeR = -1
	}
	if m.wakeW >= 0 {
		_ = unix.Close(m.wakeW)
		m.wakeW = -1
	}
}

func (m *IOManager) workerContext(ctx context.Context) context.Context {
	ctx = With(ctx, m)
	if m.decorate != nil {
		ctx = m.decorate(ctx)
	}
	return ctx
}

// Tickle wakes an epoll-parked worker through the self-pipe. Redundant when
// no worker is idle.
func (m *IOManager) Tickle() {
	if !m.HasIdleWorkers() {
		return
	}
	buf := []byte{'T'}
	_, _ = unix.Write(m.wakeW, buf)
}

func (m *IOManager) fdContext(fd int, create bool) *fdContext {
	m.mu.RLock()
	if fd < len(m.contexts) {
		if fc := m.contexts[fd]; fc != nil || !create {
			m.mu.RUnlock()
			return fc
		}
	} else if !create {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if fd >= len(m.contexts) {
		size := len(m.contexts)
		for size <= fd {
			size = size * 3 / 2
		}
		grown := make([]*fdContext, size)
		copy(grown, m.contexts)
		m.contexts = grown
	}
	if fc := m.contexts[fd]; fc != nil {
		return fc
	}
	fc := &fdContext{fd: fd}
	m.contexts[fd] = fc
	return fc
}

// AddEvent registers interest in one direction of fd. With a nil cb the
// calling fiber is bound and will be rescheduled on readiness; otherwise cb
// is scheduled. Registering an already-armed direction fails with
// ErrDuplicateEvent; multiplexer errors are surfaced.
func (m *IOManager) AddEvent(ctx context.Context, fd int, ev EventType, cb fiber.Entry) error {
	fc := m.fdContext(fd, true)

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.events&ev != 0 {
		return fmt.Errorf("fd %d %s: %w", fd, ev, ErrDuplicateEvent)
	}

	var fib *fiber.Fiber
	if cb == nil {
		fib = fiber.From(ctx)
		if fib == nil {
			return ErrNoFiber
		}
	}
	sched := scheduler.From(ctx)
	if sched == nil {
		sched = m.Scheduler
	}

	op := unix.EPOLL_CTL_ADD
	if fc.events != 0 {
		op = unix.EPOLL_CTL_MOD
	}
	epev := unix.EpollEvent{
		Events: unix.EPOLLET | uint32(fc.events) | uint32(ev),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(m.epfd, op, fd, &epev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d %s: %w", fd, ev, err)
	}

	fc.events |= ev
	ec := fc.get(ev)
	ec.sched = sched
	ec.fib = fib
	ec.cb = cb
	m.pending.Add(1)
	return nil
}

// DelEvent clears interest in one direction without firing its binding.
func (m *IOManager) DelEvent(fd int, ev EventType) bool {
	fc := m.fdContext(fd, false)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events&ev == 0 {
		return false
	}
	if !m.mutateResidual(fc, fc.events&^ev) {
		return false
	}
	fc.events &^= ev
	fc.get(ev).reset()
	m.pending.Add(-1)
	return true
}

// CancelEvent clears interest in one direction and fires its binding
// immediately. Used by timeouts and close.
func (m *IOManager) CancelEvent(fd int, ev EventType) bool {
	fc := m.fdContext(fd, false)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events&ev == 0 {
		return false
	}
	if !m.mutateResidual(fc, fc.events&^ev) {
		return false
	}
	m.trigger(fc, ev)
	return true
}

// CancelAll fires every registered direction of fd and removes it from the
// multiplexer.
func (m *IOManager) CancelAll(fd int) bool {
	fc := m.fdContext(fd, false)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events == 0 {
		return false
	}
	if !m.mutateResidual(fc, 0) {
		return false
	}
	if fc.events&Read != 0 {
		m.trigger(fc, Read)
	}
	if fc.events&Write != 0 {
		m.trigger(fc, Write)
	}
	return true
}

// mutateResidual moves the multiplexer to the residual interest mask.
// Failures are fatal to the affected event only.
func (m *IOManager) mutateResidual(fc *fdContext, residual EventType) bool {
	op := unix.EPOLL_CTL_DEL
	if residual != 0 {
		op = unix.EPOLL_CTL_MOD
	}
	epev := unix.EpollEvent{Events: unix.EPOLLET | uint32(residual), Fd: int32(fc.fd)}
	if err := unix.EpollCtl(m.epfd, op, fc.fd, &epev); err != nil {
		m.logger.Error("epoll_ctl mutate failed", "fd", fc.fd, "residual", uint32(residual), "err", err)
		return false
	}
	return true
}

// trigger fires one direction: clears its event context and schedules the
// bound fiber or callback on its recorded scheduler. Caller holds fc.mu and
// has already mutated the multiplexer.
func (m *IOManager) trigger(fc *fdContext, ev EventType) {
	ec := fc.get(ev)
	sched, fib, cb := ec.sched, ec.fib, ec.cb

	fc.events &^= ev
	ec.reset()
	m.pending.Add(-1)

	if sched == nil {
		return
	}
	if fib != nil {
		sched.Schedule(scheduler.Task{Fiber: fib, Worker: scheduler.AnyWorker})
		return
	}
	if cb != nil {
		sched.Schedule(scheduler.Task{Callback: cb, Worker: scheduler.AnyWorker})
	}
}

// PendingEvents returns the number of registered directions, for tests and
// stop gating.
func (m *IOManager) PendingEvents() int64 { return m.pending.Load() }

// ioHooks adapts IOManager to scheduler.Hooks without exporting the methods
// on the manager itself (Tickle stays public; Idle/Stopping are internal).
type ioHooks IOManager

func (h *ioHooks) Tickle() { (*IOManager)(h).Tickle() }

// Stopping blocks cooperative termination while I/O registrations are
// outstanding. Timers alone do not pin the reactor: services cancel their
// periodic timers in their own Stop paths, and hook timeouts always pair
// with a registered event.
func (h *ioHooks) Stopping() bool {
	m := (*IOManager)(h)
	return m.pending.Load() > 0
}

// Idle performs one reactor spin: wait for readiness bounded by the next
// timer deadline, drain expired timers, dispatch readiness.
func (h *ioHooks) Idle(ctx context.Context) {
	m := (*IOManager)(h)

	waitMs := maxIdleWaitMs
	if d, ok := m.timers.NextTimeout(); ok {
		ms := int(d / time.Millisecond)
		if d > 0 && ms == 0 {
			ms = 1
		}
		if ms < waitMs {
			waitMs = ms
		}
	}

	events := m.eventBufs.Get()
	defer m.eventBufs.Put(events)

	n, err := unix.EpollWait(m.epfd, events, waitMs)
	if err != nil && err != unix.EINTR {
		m.logger.Error("epoll_wait failed", "err", err)
		return
	}

	if cbs := m.timers.CollectExpired(time.Now()); len(cbs) > 0 {
		tasks := make([]scheduler.Task, 0, len(cbs))
		for _, cb := range cbs {
			fn := cb
			tasks = append(tasks, scheduler.Task{
				Callback: func(context.Context) { fn() },
				Worker:   scheduler.AnyWorker,
			})
		}
		m.ScheduleAll(tasks)
	}

	for i := 0; i < n; i++ {
		ev := events[i]
		if int(ev.Fd) == m.wakeR {
			m.drainWakePipe()
			continue
		}
		m.processEvent(int(ev.Fd), ev.Events)
	}
}

func (m *IOManager) drainWakePipe() {
	var buf [64]byte
	for {
		if _, err := unix.Read(m.wakeR, buf[:]); err != nil {
			return
		}
	}
}

// processEvent dispatches one readiness notification: error/hangup folds in
// every registered interest, the result is masked with current interest, the
// multiplexer is mutated to the residual, and each matched direction fires.
func (m *IOManager) processEvent(fd int, events uint32) {
	fc := m.fdContext(fd, false)
	if fc == nil {
		return
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		events |= (unix.EPOLLIN | unix.EPOLLOUT) & uint32(fc.events)
	}
	matched := EventType(events) & (Read | Write) & fc.events
	if matched == 0 {
		return
	}

	if !m.mutateResidual(fc, fc.events&^matched) {
		return
	}
	if matched&Read != 0 {
		m.trigger(fc, Read)
	}
	if matched&Write != 0 {
		m.trigger(fc, Write)
	}
}

type ctxKey struct{}

// With returns a context carrying m as the current reactor.
func With(ctx context.Context, m *IOManager) context.Context {
	return context.WithValue(ctx, ctxKey{}, m)
}

// From returns the current reactor, or nil outside reactor worker context.
func From(ctx context.Context) *IOManager {
	m, _ := ctx.Value(ctxKey{}).(*IOManager)
	return m
}
