// Package optimize provides small allocation helpers for hot paths that
// run once per frame or once per negotiation.
package optimize

import (
	"sync"
)

// BytePool hands out fixed-size byte buffers backed by a sync.Pool.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool returns a pool of buffers of the given size.
func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		},
	}
}

// Get returns a buffer of the pool's size. Contents are unspecified.
func (p *BytePool) Get() []byte {
	return p.pool.Get().([]byte)
}

// Put returns a buffer to the pool. Buffers that shrank below the pool
// size are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	p.pool.Put(b[:p.size])
}

// StringSlicePool recycles string slices across parse-heavy calls.
type StringSlicePool struct {
	pool sync.Pool
	size int
}

// NewStringSlicePool returns a pool whose slices start with the given
// capacity.
func NewStringSlicePool(size int) *StringSlicePool {
	return &StringSlicePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]string, 0, size)
			},
		},
	}
}

// Get returns an empty slice ready for appending.
func (p *StringSlicePool) Get() []string {
	return p.pool.Get().([]string)[:0]
}

// Put returns a slice to the pool. Slices that grew past twice the base
// capacity are dropped so one oversized parse does not pin memory.
func (p *StringSlicePool) Put(s []string) {
	if cap(s) > p.size*2 {
		return
	}
	p.pool.Put(s[:0])
}

// PreAllocateSlice makes a slice with the given length and at least that
// much capacity.
func PreAllocateSlice[T any](length, capacity int) []T {
	if capacity < length {
		capacity = length
	}
	return make([]T, length, capacity)
}
