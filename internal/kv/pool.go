package kv

import "sync/atomic"

// Handle is one leased pool slot wrapping a single-connection Store.
// Release returns the slot; it is safe to call more than once.
type Handle struct {
	store  Store
	leased atomic.Bool
}

// Store returns the leased connection.
func (h *Handle) Store() Store { return h.store }

// Release returns the handle to the pool.
func (h *Handle) Release() { h.leased.Store(false) }

// Pool is a fixed-size array of single-connection handles. Leasing never
// blocks: when every handle is out, Lease reports failure and the caller
// degrades to operating without the KV store.
type Pool struct {
	handles []*Handle
}

// NewPool builds size handles using factory. Factory failures surface
// immediately so startup can log them; the pool is unusable on error.
func NewPool(size int, factory func() (Store, error)) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	p := &Pool{handles: make([]*Handle, 0, size)}
	for i := 0; i < size; i++ {
		st, err := factory()
		if err != nil {
			p.Close()
			return nil, err
		}
		p.handles = append(p.handles, &Handle{store: st})
	}
	return p, nil
}

// Lease claims a free handle. ok is false when the pool is exhausted.
func (p *Pool) Lease() (*Handle, bool) {
	for _, h := range p.handles {
		if h.leased.CompareAndSwap(false, true) {
			return h, true
		}
	}
	return nil, false
}

// Size returns the pool capacity.
func (p *Pool) Size() int { return len(p.handles) }

// Close closes every underlying connection.
func (p *Pool) Close() {
	for _, h := range p.handles {
		_ = h.store.Close()
	}
}
