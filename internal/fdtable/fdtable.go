// Package fdtable keeps per-descriptor metadata for the syscall hook layer:
// whether the fd is a socket, user vs system non-blocking intent, and the
// per-direction timeouts recorded from SO_RCVTIMEO/SO_SNDTIMEO.
package fdtable

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// NoTimeout marks a direction without a recorded timeout.
const NoTimeout int64 = -1

// TimeoutKind selects which recorded timeout an I/O call consults.
type TimeoutKind int

const (
	// RecvTimeout corresponds to SO_RCVTIMEO.
	RecvTimeout TimeoutKind = iota
	// SendTimeout corresponds to SO_SNDTIMEO.
	SendTimeout
)

// Entry is the metadata for one descriptor. Lifetime is bound to the
// descriptor's open period: created lazily on first observation, destroyed
// on close.
type Entry struct {
	fd       int
	isSocket bool

	userNonblock atomic.Bool
	sysNonblock  atomic.Bool
	closed       atomic.Bool

	recvTimeoutMs atomic.Int64
	sendTimeoutMs atomic.Int64
}

func newEntry(fd int) *Entry {
	e := &Entry{fd: fd}
	e.recvTimeoutMs.Store(NoTimeout)
	e.sendTimeoutMs.Store(NoTimeout)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return e
	}
	e.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	if e.isSocket {
		// Sockets are driven edge-triggered by the reactor, so the
		// underlying descriptor is always non-blocking regardless of what
		// the user asked for.
		if err := unix.SetNonblock(fd, true); err == nil {
			e.sysNonblock.Store(true)
		}
	}
	return e
}

// FD returns the descriptor.
func (e *Entry) FD() int { return e.fd }

// IsSocket reports whether the descriptor is a socket.
func (e *Entry) IsSocket() bool { return e.isSocket }

// SetUserNonblock records the caller-visible non-blocking intent.
func (e *Entry) SetUserNonblock(v bool) { e.userNonblock.Store(v) }

// UserNonblock returns the caller-visible non-blocking intent.
func (e *Entry) UserNonblock() bool { return e.userNonblock.Load() }

// SetSysNonblock records the kernel-level non-blocking flag.
func (e *Entry) SetSysNonblock(v bool) { e.sysNonblock.Store(v) }

// SysNonblock returns the kernel-level non-blocking flag.
func (e *Entry) SysNonblock() bool { return e.sysNonblock.Load() }

// MarkClosed flags the entry; hooked I/O on a closed entry fails with EBADF.
func (e *Entry) MarkClosed() { e.closed.Store(true) }

// Closed reports whether the descriptor was closed.
func (e *Entry) Closed() bool { return e.closed.Load() }

// SetTimeout records the timeout for one direction, in milliseconds.
// NoTimeout clears it.
func (e *Entry) SetTimeout(kind TimeoutKind, ms int64) {
	if kind == RecvTimeout {
		e.recvTimeoutMs.Store(ms)
		return
	}
	e.sendTimeoutMs.Store(ms)
}

// Timeout returns the recorded timeout for one direction in milliseconds,
// NoTimeout when unset.
func (e *Entry) Timeout(kind TimeoutKind) int64 {
	if kind == RecvTimeout {
		return e.recvTimeoutMs.Load()
	}
	return e.sendTimeoutMs.Load()
}

// Table maps descriptors to entries. The backing slice grows geometrically;
// reads take the read lock only.
type Table struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewTable creates a table with room for the given number of descriptors.
func NewTable(hint int) *Table {
	if hint < 64 {
		hint = 64
	}
	return &Table{entries: make([]*Entry, hint)}
}

// Get returns the entry for fd. With create, a missing entry is created by
// inspecting the descriptor; without, nil is returned.
func (t *Table) Get(fd int, create bool) *Entry {
	if fd < 0 {
		return nil
	}

	t.mu.RLock()
	if fd < len(t.entries) {
		if e := t.entries[fd]; e != nil || !create {
			t.mu.RUnlock()
			return e
		}
	} else if !create {
		t.mu.RUnlock()
		return nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= len(t.entries) {
		size := len(t.entries)
		for size <= fd {
			size = size * 3 / 2
		}
		grown := make([]*Entry, size)
		copy(grown, t.entries)
		t.entries = grown
	}
	if e := t.entries[fd]; e != nil {
		return e
	}
	e := newEntry(fd)
	t.entries[fd] = e
	return e
}

// Del removes the entry on close.
func (t *Table) Del(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= 0 && fd < len(t.entries) {
		t.entries[fd] = nil
	}
}
