package server

import (
	"net/netip"
	"sync"
	"time"
)

// LivenessEntry is one peer's last observed UDP endpoint.
type LivenessEntry struct {
	Addr     netip.AddrPort
	LastSeen time.Time
}

// Liveness is the in-process map uuid -> (last-seen address, last-seen
// instant) maintained by the UDP service. It keeps functioning when the KV
// store does not.
type Liveness struct {
	mu      sync.Mutex
	entries map[string]LivenessEntry
}

// NewLiveness creates an empty liveness map.
func NewLiveness() *Liveness {
	return &Liveness{entries: make(map[string]LivenessEntry)}
}

// Upsert records uuid at addr as seen now.
func (l *Liveness) Upsert(uuid string, addr netip.AddrPort, now time.Time) {
	l.mu.Lock()
	l.entries[uuid] = LivenessEntry{Addr: addr, LastSeen: now}
	l.mu.Unlock()
}

// Touch refreshes uuid if present; found reports whether it was.
func (l *Liveness) Touch(uuid string, addr netip.AddrPort, now time.Time) (found bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[uuid]; !ok {
		return false
	}
	l.entries[uuid] = LivenessEntry{Addr: addr, LastSeen: now}
	return true
}

// Lookup returns the entry for uuid.
func (l *Liveness) Lookup(uuid string) (LivenessEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[uuid]
	return e, ok
}

// Remove drops uuid unconditionally.
func (l *Liveness) Remove(uuid string) {
	l.mu.Lock()
	delete(l.entries, uuid)
	l.mu.Unlock()
}

// Len returns the entry count.
func (l *Liveness) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Expired snapshots every entry whose LastSeen is before cutoff. The keys
// are captured here, before any eviction, so callers can finish their KV
// work and then evict with RemoveIfStale.
func (l *Liveness) Expired(cutoff time.Time) map[string]LivenessEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out map[string]LivenessEntry
	for uuid, e := range l.entries {
		if e.LastSeen.Before(cutoff) {
			if out == nil {
				out = make(map[string]LivenessEntry)
			}
			out[uuid] = e
		}
	}
	return out
}

// RemoveIfStale evicts uuid only if it has not been refreshed since the
// snapshot was taken; a peer that sent traffic mid-sweep survives.
func (l *Liveness) RemoveIfStale(uuid string, snapshot LivenessEntry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.entries[uuid]
	if !ok {
		return false
	}
	if cur.LastSeen.After(snapshot.LastSeen) {
		return false
	}
	delete(l.entries, uuid)
	return true
}

// Snapshot copies the whole map for read-only consumers (management API).
func (l *Liveness) Snapshot() map[string]LivenessEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]LivenessEntry, len(l.entries))
	for k, v := range l.entries {
		out[k] = v
	}
	return out
}
