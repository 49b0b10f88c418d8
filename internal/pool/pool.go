// Package pool provides typed object pooling for hot allocation paths.
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

// Bytes pools fixed-size byte buffers, one per in-flight connection read
// loop.
type Bytes struct {
	size     int
	internal *Pool[*[]byte]
}

// NewBytes creates a pool of size-byte buffers.
func NewBytes(size int) *Bytes {
	return &Bytes{
		size: size,
		internal: New(func() *[]byte {
			buf := make([]byte, size)
			return &buf
		}),
	}
}

// Get borrows a buffer of the pool's size.
func (b *Bytes) Get() *[]byte {
	return b.internal.Get()
}

// Put returns a buffer. Buffers of a different size are dropped rather
// than poisoning the pool.
func (b *Bytes) Put(buf *[]byte) {
	if buf == nil || len(*buf) != b.size {
		return
	}
	b.internal.Put(buf)
}
