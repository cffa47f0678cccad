package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/workbench/internal/core/events/bus"
	"github.com/zeusync/workbench/internal/core/models"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func TestNewRegistersOnce(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := New(registry)
	require.NoError(t, err)

	_, err = New(registry)
	assert.Error(t, err, "second registration of the same collectors must fail")
}

func TestRecordLockLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLockRequest("note", ResultGranted)
	m.RecordLockRequest("note", ResultGranted)
	m.RecordLockRefresh("note")
	m.RecordLockRequest("note", ResultDenied)
	m.RecordUnlock("note", ResultGranted)
	m.RecordExpired(1)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.lockRequestsTotal.WithLabelValues("note", ResultGranted)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.lockRequestsTotal.WithLabelValues("note", ResultDenied)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.locksExpiredTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.locksActive))
}

func TestConnectionGauges(t *testing.T) {
	m := newTestMetrics(t)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.Subscribed()
	m.Subscribed()
	m.Subscribed()
	m.Unsubscribed()
	m.ConnectionClosed(1)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.wsConnections))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.wsSubscriptions))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordLockRequest("note", ResultGranted)
		m.RecordUnlock("note", ResultGranted)
		m.RecordExpired(3)
		m.ConnectionOpened()
		m.Subscribed()
	})
}

func TestObserverCountsBusTraffic(t *testing.T) {
	m := newTestMetrics(t)
	b := bus.New()
	b.AddObserver(m)

	kind := string(models.ElementChanged)
	_, err := b.Subscribe(kind, func(bus.Event) error { return errors.New("boom") })
	require.NoError(t, err)

	ev := bus.NotificationEvent(models.NewElementChanged(models.Ref("note", "1")), "test")
	assert.Error(t, b.Publish(ev))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.notificationsTotal.WithLabelValues(kind)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.deliveryErrors.WithLabelValues(kind)))

	m.OnDelivered(kind, 1, nil, time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.deliveryErrors.WithLabelValues(kind)))
}
