// Package pool provides typed object pools for the hot packet paths.
package pool

import "sync"

// Pool is a generic wrapper around sync.Pool.
type Pool[T any] struct {
	internal sync.Pool
}

// New creates a new Pool with the given constructor.
func New[T any](newFn func() T) *Pool[T] {
	return &Pool[T]{
		internal: sync.Pool{
			New: func() any {
				return newFn()
			},
		},
	}
}

// Get retrieves an item from the pool.
func (p *Pool[T]) Get() T {
	return p.internal.Get().(T)
}

// Put returns an item to the pool.
func (p *Pool[T]) Put(item T) {
	p.internal.Put(item)
}

// Buffers is a pool of fixed-size byte buffers, used for datagram receive
// and frame assembly. Buffers are handed out as pointers so the slice header
// does not escape through the pool interface.
type Buffers struct {
	inner *Pool[*[]byte]
	size  int
}

// NewBuffers creates a buffer pool whose buffers are size bytes long.
func NewBuffers(size int) *Buffers {
	return &Buffers{
		inner: New(func() *[]byte {
			buf := make([]byte, size)
			return &buf
		}),
		size: size,
	}
}

// Get returns a buffer of the pool's configured size.
func (b *Buffers) Get() *[]byte {
	return b.inner.Get()
}

// Put returns a buffer. Buffers whose backing array was swapped out are
// dropped rather than pooled.
func (b *Buffers) Put(buf *[]byte) {
	if buf == nil || cap(*buf) != b.size {
		return
	}
	*buf = (*buf)[:b.size]
	b.inner.Put(buf)
}
