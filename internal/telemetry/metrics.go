// Package telemetry exposes Prometheus counters for the sync core. A nil
// *Metrics is valid and records nothing.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "inboxsync"

// Metrics groups the collectors registered on a dedicated registry.
type Metrics struct {
	registry        *prometheus.Registry
	eventsReceived  *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	mutations       *prometheus.CounterVec
	presencePolls   *prometheus.CounterVec
	connected       prometheus.Gauge
}

// NewMetrics constructs and registers the sync collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_events_received_total",
			Help:      "Raw change payloads delivered by the transport",
		}, []string{"table"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_events_dropped_total",
			Help:      "Change payloads dropped before reaching handlers",
		}, []string{"table", "reason"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "Change handlers that returned an error or panicked",
		}, []string{"table", "kind"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Mutation requests by operation and outcome",
		}, []string{"operation", "outcome"}),
		presencePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_polls_total",
			Help:      "Presence reads by outcome",
		}, []string{"outcome"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connected",
			Help:      "1 while the active subscription is subscribed",
		}),
	}
	m.registry.MustRegister(
		m.eventsReceived,
		m.eventsDropped,
		m.handlerFailures,
		m.mutations,
		m.presencePolls,
		m.connected,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler returns an http.Handler for Prometheus scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) EventReceived(table string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(table).Inc()
}

func (m *Metrics) EventDropped(table, reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(table, reason).Inc()
}

func (m *Metrics) HandlerFailed(table, kind string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(table, kind).Inc()
}

func (m *Metrics) MutationCompleted(operation, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) PresencePolled(outcome string) {
	if m == nil {
		return
	}
	m.presencePolls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}
