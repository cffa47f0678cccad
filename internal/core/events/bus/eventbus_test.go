package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/workbench/internal/core/models"
)

type testObserver struct {
	mu             sync.Mutex
	publishCount   int
	deliveredCount int
	lastErr        error
}

func (o *testObserver) OnPublish(_ string, _ Event) {
	o.mu.Lock()
	o.publishCount++
	o.mu.Unlock()
}

func (o *testObserver) OnDelivered(_ string, handlers int, err error, _ time.Duration) {
	o.mu.Lock()
	o.deliveredCount += handlers
	o.lastErr = err
	o.mu.Unlock()
}

func TestBasicPublishSubscribe(t *testing.T) {
	b := New()
	var got []string
	_, err := b.Subscribe("test.event", func(e Event) error {
		got = append(got, e.Source())
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(NewEvent("test.event", "tester", 123)))
	require.NoError(t, b.Publish(NewEvent("other.event", "tester", 123)))
	assert.Equal(t, []string{"tester"}, got)
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	b := New()
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		_, err := b.Subscribe("ev", func(Event) error {
			order = append(order, i)
			return nil
		})
		require.NoError(t, err)
	}
	require.NoError(t, b.Publish(NewEvent("ev", "src", nil)))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	sub, err := b.Subscribe("ev", func(Event) error { count++; return nil })
	require.NoError(t, err)

	require.NoError(t, b.Publish(NewEvent("ev", "src", nil)))
	require.NoError(t, b.Unsubscribe(sub))
	require.NoError(t, sub.Cancel())
	require.NoError(t, b.Publish(NewEvent("ev", "src", nil)))

	assert.Equal(t, 1, count)
	assert.False(t, sub.IsActive())
}

func TestHandlerErrorsAreJoined(t *testing.T) {
	b := New()
	first, second := errors.New("first"), errors.New("second")
	_, _ = b.Subscribe("x", func(Event) error { return first })
	_, _ = b.Subscribe("x", func(Event) error { return second })

	err := b.Publish(NewEvent("x", "src", nil))
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
}

func TestTypesIsolation(t *testing.T) {
	b := New()
	count1, count2 := 0, 0
	_, _ = b.Subscribe("ev1", func(Event) error { count1++; return nil })
	_, _ = b.Subscribe("ev2", func(Event) error { count2++; return nil })
	_ = b.Publish(NewEvent("ev1", "src", nil))
	assert.Equal(t, 1, count1)
	assert.Equal(t, 0, count2)
}

func TestNotificationEvent(t *testing.T) {
	b := New()
	ref := models.Ref("note", "1")
	var got models.ChangeNotification
	_, _ = b.Subscribe(string(models.ElementChanged), func(e Event) error {
		n, ok := AsNotification(e)
		assert.True(t, ok)
		got = n
		return nil
	})

	require.NoError(t, b.Publish(NotificationEvent(models.NewElementChanged(ref), "test")))
	assert.Equal(t, ref, got.Ref)
	assert.Equal(t, models.ElementChanged, got.Kind)
}

func TestObserverMetricsOptional(t *testing.T) {
	b := New()
	_, _ = b.Subscribe("e", func(Event) error { return nil })
	_ = b.Publish(NewEvent("e", "s", nil))
	assert.Zero(t, b.GetMetrics().Published)

	obs := &testObserver{}
	b.AddObserver(obs)
	_ = b.Publish(NewEvent("e", "s", nil))
	m := b.GetMetrics()
	assert.Equal(t, uint64(1), m.Published)
	assert.Equal(t, uint64(1), m.DeliveredHandlers)
	assert.Equal(t, 1, obs.publishCount)
	assert.Equal(t, 1, obs.deliveredCount)

	b.RemoveObserver(obs)
	_ = b.Publish(NewEvent("e", "s", nil))
	assert.Equal(t, 1, obs.publishCount)
}
