package sequence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueuePreservesOrder(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 5; i++ {
		assert.True(t, q.Push(i))
	}
	assert.Equal(t, 5, q.Len())

	<-q.Ready()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, q.Drain())
	assert.Empty(t, q.Drain())
}

func TestQueueSignalsOnceForBurst(t *testing.T) {
	q := NewQueue[string]()
	q.Push("a")
	q.Push("b")

	<-q.Ready()
	select {
	case <-q.Ready():
		t.Fatal("expected a single coalesced signal")
	default:
	}
	assert.Equal(t, []string{"a", "b"}, q.Drain())
}

func TestQueueClosedRejectsPush(t *testing.T) {
	q := NewQueue[int]()
	q.Push(1)
	q.Close()

	assert.True(t, q.IsClosed())
	assert.False(t, q.Push(2))
	assert.Empty(t, q.Drain())
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue[int]()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Push(i)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, q.Drain(), 800)
}
