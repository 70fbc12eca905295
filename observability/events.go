package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"jobescrow/core/events"
)

type eventMetrics struct {
	appended    *prometheus.CounterVec
	subscribers prometheus.Gauge
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking the ledger event log.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			appended: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "events",
				Name:      "appended_total",
				Help:      "Events appended to the ledger log segmented by type.",
			}, []string{"type"}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "events",
				Name:      "stream_subscribers",
				Help:      "Open websocket event stream subscriptions.",
			}),
		}
		prometheus.MustRegister(eventRegistry.appended, eventRegistry.subscribers)
	})
	return eventRegistry
}

// Append implements events.Sink so the registry can be attached to a Log.
func (m *eventMetrics) Append(rec events.Record) error {
	if m == nil {
		return nil
	}
	typ := rec.Type
	if typ == "" {
		typ = "unknown"
	}
	m.appended.WithLabelValues(typ).Inc()
	return nil
}

// SubscriberOpened increments the open stream gauge.
func (m *eventMetrics) SubscriberOpened() {
	if m != nil {
		m.subscribers.Inc()
	}
}

// SubscriberClosed decrements the open stream gauge.
func (m *eventMetrics) SubscriberClosed() {
	if m != nil {
		m.subscribers.Dec()
	}
}
