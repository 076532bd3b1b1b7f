// Package fiber implements the cooperative coroutine primitive underneath
// the scheduler and reactor.
//
// A Fiber wraps a goroutine in a strict resume/yield handoff: at most one of
// the fiber and its resumer runs at any instant, and control only changes
// hands through Resume, YieldHold, YieldReady, or entry termination. The
// worker goroutine that resumes a fiber plays the role of the thread-main
// fiber; the execution context (current fiber, scheduler, reactor, hook
// enablement) travels in the context.Context handed to the entry.
package fiber

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// State is the fiber lifecycle state.
type State int32

const (
	// Init: created or reset, never resumed since.
	Init State = iota
	// Hold: parked; waiting for an external resume.
	Hold
	// Exec: running on its owning worker right now.
	Exec
	// Ready: parked but runnable; the scheduler should requeue it.
	Ready
	// Term: entry returned normally.
	Term
	// Except: entry panicked; stack was logged.
	Except
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Hold:
		return "hold"
	case Exec:
		return "exec"
	case Ready:
		return "ready"
	case Term:
		return "term"
	case Except:
		return "except"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Entry is a fiber body. The context carries the fiber itself plus whatever
// the resuming worker installed (scheduler, reactor, hook enablement).
type Entry func(ctx context.Context)

var nextID atomic.Uint64

// Fiber is a reusable cooperative coroutine.
type Fiber struct {
	id    uint64
	state atomic.Int32

	mu      sync.Mutex
	entry   Entry
	started bool

	resume chan context.Context
	parked chan struct{}
}

// New creates a fiber in Init holding entry. The backing goroutine is not
// started until the first Resume.
func New(entry Entry) *Fiber {
	return &Fiber{
		id:     nextID.Add(1),
		entry:  entry,
		resume: make(chan context.Context),
		parked: make(chan struct{}),
	}
}

// ID returns the fiber's monotone id.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// Resume transfers control into the fiber and parks the caller until the
// fiber yields or terminates. Legal only from Init, Hold, or Ready; any
// other state is a scheduling invariant violation and panics.
func (f *Fiber) Resume(ctx context.Context) {
	for {
		s := f.state.Load()
		switch State(s) {
		case Init, Hold, Ready:
		default:
			panic(fmt.Sprintf("fiber %d resumed in state %s", f.id, State(s)))
		}
		if f.state.CompareAndSwap(s, int32(Exec)) {
			break
		}
	}

	ctx = With(ctx, f)

	f.mu.Lock()
	if !f.started {
		f.started = true
		go f.loop()
	}
	f.mu.Unlock()

	f.resume <- ctx
	<-f.parked
}

// YieldHold parks the fiber in Hold and returns control to its resumer.
// Must be called from inside the running fiber.
func (f *Fiber) YieldHold() { f.yield(Hold) }

// YieldReady parks the fiber in Ready and returns control to its resumer.
// The scheduler requeues Ready fibers.
func (f *Fiber) YieldReady() { f.yield(Ready) }

func (f *Fiber) yield(s State) {
	if f.State() != Exec {
		panic(fmt.Sprintf("fiber %d yielded in state %s", f.id, f.State()))
	}
	f.state.Store(int32(s))
	f.parked <- struct{}{}
	// Parked here until the next Resume. The context passed to that Resume
	// is discarded: the entry keeps running on the stack it suspended with.
	<-f.resume
}

// Reset re-arms a Term, Except, or Init fiber with a new entry, moving it to
// Init. The next Resume runs the new entry.
func (f *Fiber) Reset(entry Entry) error {
	switch f.State() {
	case Term, Except, Init:
	default:
		return fmt.Errorf("fiber %d reset in state %s", f.id, f.State())
	}
	f.mu.Lock()
	f.entry = entry
	f.mu.Unlock()
	f.state.Store(int32(Init))
	return nil
}

// loop is the backing goroutine for one arming: it carries the entry from
// first resume through every yield until Term or Except, then exits. A
// Resume following Reset spawns a fresh goroutine, so terminated fibers do
// not pin goroutines.
func (f *Fiber) loop() {
	ctx := <-f.resume
	f.run(ctx)
	f.mu.Lock()
	f.started = false
	f.mu.Unlock()
	f.parked <- struct{}{}
}

func (f *Fiber) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			f.state.Store(int32(Except))
			slog.Error("fiber fault",
				"fiber", f.id,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	f.mu.Lock()
	entry := f.entry
	f.mu.Unlock()

	entry(ctx)
	f.state.Store(int32(Term))
}

type ctxKey struct{}

// With returns a context carrying f as the current fiber.
func With(ctx context.Context, f *Fiber) context.Context {
	return context.WithValue(ctx, ctxKey{}, f)
}

// From returns the current fiber, or nil when not running in fiber context.
func From(ctx context.Context) *Fiber {
	f, _ := ctx.Value(ctxKey{}).(*Fiber)
	return f
}
