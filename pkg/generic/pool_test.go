package generic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolResetsOnPut(t *testing.T) {
	resets := 0
	p := NewPool(func() []int { return make([]int, 0, 4) }, func([]int) { resets++ })

	v := p.Get()
	v = append(v, 1, 2)
	p.Put(v)

	assert.Equal(t, 1, resets)
}

func TestBufferPoolReturnsEmptyBuffers(t *testing.T) {
	p := NewBufferPool()

	b := p.Get()
	b.WriteString("frame")
	p.Put(b)

	b = p.Get()
	assert.Zero(t, b.Len())
}
