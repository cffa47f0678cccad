// Package metrics provides the Prometheus metrics for edit locks and the live
// update channel.
package metrics

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zeusync/workbench/internal/core/events/bus"
)

const (
	ResultGranted = "granted"
	ResultDenied  = "denied"
	ResultError   = "error"
)

// Metrics holds every collector exported on /metrics.
type Metrics struct {
	lockRequestsTotal  *prometheus.CounterVec // lock requests by result
	unlocksTotal       *prometheus.CounterVec // unlocks by result
	locksExpiredTotal  prometheus.Counter
	locksActive        prometheus.Gauge
	notificationsTotal *prometheus.CounterVec // published notifications by kind
	deliveryErrors     *prometheus.CounterVec
	deliveryDuration   *prometheus.HistogramVec

	wsConnections   prometheus.Gauge
	wsSubscriptions prometheus.Gauge
	wsDropped       prometheus.Counter

	registry *prometheus.Registry
}

var _ bus.EventBusObserver = (*Metrics)(nil)

// New creates the metrics and registers them with registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, errors.Wrap(err, "register workbench metrics")
	}
	return m, nil
}

// NewDefault registers on a fresh registry that also carries the Go and
// process collectors.
func NewDefault() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return New(registry)
}

func (m *Metrics) initMetrics() {
	m.lockRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_lock_requests_total",
			Help: "Total number of edit lock requests by result",
		},
		[]string{"model", "result"}, // result: granted, denied, error
	)
	m.unlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_unlocks_total",
			Help: "Total number of edit lock releases by result",
		},
		[]string{"model", "result"},
	)
	m.locksExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "workbench_locks_expired_total",
		Help: "Total number of edit locks released by expiry",
	})
	m.locksActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "workbench_locks_active",
		Help: "Edit locks currently held",
	})
	m.notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_notifications_published_total",
			Help: "Total number of change notifications published by kind",
		},
		[]string{"kind"},
	)
	m.deliveryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workbench_notification_delivery_errors_total",
			Help: "Total number of change notifications that failed to reach at least one handler",
		},
		[]string{"kind"},
	)
	m.deliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workbench_notification_delivery_duration_seconds",
			Help:    "Time taken to hand a notification to every subscribed handler",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"kind"},
	)
	m.wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "workbench_ws_connections",
		Help: "Open live update connections",
	})
	m.wsSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "workbench_ws_subscriptions",
		Help: "Active (connection, element) subscriptions",
	})
	m.wsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "workbench_ws_dropped_connections_total",
		Help: "Connections closed because their send buffer was full",
	})
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.lockRequestsTotal,
		m.unlocksTotal,
		m.locksExpiredTotal,
		m.locksActive,
		m.notificationsTotal,
		m.deliveryErrors,
		m.deliveryDuration,
		m.wsConnections,
		m.wsSubscriptions,
		m.wsDropped,
	}
}

func (m *Metrics) RecordLockRequest(model, result string) {
	if m == nil {
		return
	}
	m.lockRequestsTotal.WithLabelValues(model, result).Inc()
	if result == ResultGranted {
		m.locksActive.Inc()
	}
}

// RecordLockRefresh counts a granted request by the current holder, which
// does not add an active lock.
func (m *Metrics) RecordLockRefresh(model string) {
	if m == nil {
		return
	}
	m.lockRequestsTotal.WithLabelValues(model, ResultGranted).Inc()
}

func (m *Metrics) RecordUnlock(model, result string) {
	if m == nil {
		return
	}
	m.unlocksTotal.WithLabelValues(model, result).Inc()
	if result == ResultGranted {
		m.locksActive.Dec()
	}
}

func (m *Metrics) RecordExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.locksExpiredTotal.Add(float64(n))
	m.locksActive.Sub(float64(n))
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.wsConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed(subscriptions int) {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
	m.wsSubscriptions.Sub(float64(subscriptions))
}

func (m *Metrics) ConnectionDropped() {
	if m != nil {
		m.wsDropped.Inc()
	}
}

func (m *Metrics) Subscribed() {
	if m != nil {
		m.wsSubscriptions.Inc()
	}
}

func (m *Metrics) Unsubscribed() {
	if m != nil {
		m.wsSubscriptions.Dec()
	}
}

// OnPublish implements bus.EventBusObserver.
func (m *Metrics) OnPublish(eventType string, _ bus.Event) {
	m.notificationsTotal.WithLabelValues(eventType).Inc()
}

// OnDelivered implements bus.EventBusObserver.
func (m *Metrics) OnDelivered(eventType string, _ int, err error, duration time.Duration) {
	m.deliveryDuration.WithLabelValues(eventType).Observe(duration.Seconds())
	if err != nil {
		m.deliveryErrors.WithLabelValues(eventType).Inc()
	}
}
