package generic

import (
	"bytes"
	"sync"
)

// Pool is a typed sync.Pool. The optional reset hook runs on Put so values
// come back from Get ready for reuse.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
}

func NewPool[T any](generate func() T, reset func(T)) *Pool[T] {
	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				return generate()
			},
		},
		reset: reset,
	}
}

func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(value T) {
	if p.reset != nil {
		p.reset(value)
	}
	p.pool.Put(value)
}

// maxPooledBuffer keeps one oversized frame from pinning memory in the pool.
const maxPooledBuffer = 64 * 1024

// NewBufferPool pools bytes.Buffers for frame encoding.
func NewBufferPool() *Pool[*bytes.Buffer] {
	return NewPool(
		func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, 512)) },
		func(b *bytes.Buffer) {
			if b.Cap() > maxPooledBuffer {
				*b = bytes.Buffer{}
				return
			}
			b.Reset()
		},
	)
}
