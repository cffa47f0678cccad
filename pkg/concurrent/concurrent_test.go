package concurrent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunCancelsSiblingsOnFailure(t *testing.T) {
	boom := errors.New("boom")
	var cancelled atomic.Bool

	err := Run(context.Background(),
		func(ctx context.Context) error {
			<-ctx.Done()
			cancelled.Store(true)
			return nil
		},
		func(context.Context) error { return boom },
	)

	assert.ErrorIs(t, err, boom)
	assert.True(t, cancelled.Load())
}

func TestForEachVisitsAll(t *testing.T) {
	var sum atomic.Int64
	err := ForEach(context.Background(), []int{1, 2, 3, 4}, 2, func(_ context.Context, v int) error {
		sum.Add(int64(v))
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(10), sum.Load())
}
