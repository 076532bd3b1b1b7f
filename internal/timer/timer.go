// Package timer implements the reactor's timer set: one-shot and periodic
// timers ordered by (deadline, id), with optional liveness-token binding.
package timer

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// Callback runs on a scheduler worker when its timer expires.
type Callback func()

// Token is the liveness token observed by conditional timers. A hook creates
// one per suspension; releasing it nullifies any timer still bound to it.
// Cancellation is a one-shot stamp carrying an errno-like reason.
type Token struct {
	released atomic.Bool
	cancel   atomic.Int32
}

// NewToken returns a live, uncancelled token.
func NewToken() *Token { return &Token{} }

// Release marks the token dead; conditional callbacks bound to it no longer run.
func (t *Token) Release() { t.released.Store(true) }

// Released reports whether the token has been released.
func (t *Token) Released() bool { return t.released.Load() }

// SetCancelled stamps a cancellation reason. Only the first stamp wins.
func (t *Token) SetCancelled(reason int32) bool {
	return t.cancel.CompareAndSwap(0, reason)
}

// Cancelled returns the stamped reason, 0 when none.
func (t *Token) Cancelled() int32 { return t.cancel.Load() }

// Timer is one entry in the set.
type Timer struct {
	id       uint64
	deadline time.Time
	period   time.Duration
	cb       Callback
	index    int
}

// ID returns the timer's unique id.
func (t *Timer) ID() uint64 { return t.id }

// Deadline returns the absolute expiry time.
func (t *Timer) Deadline() time.Time { return t.deadline }

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].id < h[j].id
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Manager owns the ordered timer set. All methods are safe for concurrent
// use. onFront, when non-nil, is invoked (outside the lock) whenever a newly
// inserted timer becomes the set head; the reactor uses it to re-evaluate
// its wait timeout. The tickled flag suppresses redundant onFront calls
// between two wheel spins.
type Manager struct {
	mu      sync.Mutex
	heap    timerHeap
	byID    map[uint64]*Timer
	nextID  atomic.Uint64
	tickled bool
	onFront func()
}

// NewManager creates an empty timer set.
func NewManager(onFront func()) *Manager {
	return &Manager{
		byID:    make(map[uint64]*Timer),
		onFront: onFront,
	}
}

// Add schedules cb after d. A period > 0 makes the timer periodic. Returns
// the timer id (never 0).
func (m *Manager) Add(d time.Duration, cb Callback, period time.Duration) uint64 {
	return m.insert(&Timer{
		id:       m.nextID.Add(1),
		deadline: time.Now().Add(d),
		period:   period,
		cb:       cb,
	})
}

// AddConditional schedules cb bound to tok: when the timer fires, cb runs
// only if tok is still live.
func (m *Manager) AddConditional(d time.Duration, cb Callback, tok *Token, period time.Duration) uint64 {
	wrapped := func() {
		if tok.Released() {
			return
		}
		cb()
	}
	return m.Add(d, wrapped, period)
}

func (m *Manager) insert(t *Timer) uint64 {
	var fire bool
	m.mu.Lock()
	heap.Push(&m.heap, t)
	m.byID[t.id] = t
	if m.heap[0] == t && !m.tickled {
		m.tickled = true
		fire = m.onFront != nil
	}
	m.mu.Unlock()

	if fire {
		m.onFront()
	}
	return t.id
}

// Cancel removes a timer without firing it. Returns false for unknown ids.
func (m *Manager) Cancel(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return false
	}
	delete(m.byID, id)
	heap.Remove(&m.heap, t.index)
	return true
}

// NextTimeout returns the delta until the earliest deadline. ok is false
// when the set is empty. An already-expired head yields zero.
func (m *Manager) NextTimeout() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.heap) == 0 {
		return 0, false
	}
	d := time.Until(m.heap[0].deadline)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Len returns the number of pending timers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.heap)
}

// CollectExpired drains every timer with deadline <= now and returns their
// callbacks in ascending (deadline, id) order. Periodic timers are refreshed
// (deadline += period) and reinserted in the same critical section.
func (m *Manager) CollectExpired(now time.Time) []Callback {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tickled = false
	if len(m.heap) == 0 {
		return nil
	}

	var cbs []Callback
	var periodic []*Timer
	for len(m.heap) > 0 && !m.heap[0].deadline.After(now) {
		t := heap.Pop(&m.heap).(*Timer)
		cbs = append(cbs, t.cb)
		if t.period > 0 {
			t.deadline = t.deadline.Add(t.period)
			periodic = append(periodic, t)
		} else {
			delete(m.byID, t.id)
		}
	}
	for _, t := range periodic {
		heap.Push(&m.heap, t)
	}
	return cbs
}
