// Package metrics defines the Prometheus collectors exported by the server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat"

// Metrics owns its registry so several servers can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	connections       *prometheus.CounterVec
	activeConnections prometheus.Gauge
	onlineSessions    prometheus.Gauge
	messages          *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	errors            *prometheus.CounterVec
	framingFailures   prometheus.Counter
	droppedDeliveries prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Accepted connections by transport.",
		}, []string{"transport"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Connections currently open.",
		}),
		onlineSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_sessions",
			Help:      "Authenticated sessions in the registry.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Dispatched requests by message type.",
		}, []string{"type"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in request handlers by message type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Error responses by code.",
		}, []string{"code"}),
		framingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "framing_failures_total",
			Help:      "Connections closed because the stream could not be framed.",
		}),
		droppedDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_deliveries_total",
			Help:      "Outgoing messages dropped because a client's queue was full.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.activeConnections,
		m.onlineSessions,
		m.messages,
		m.handlerDuration,
		m.errors,
		m.framingFailures,
		m.droppedDeliveries,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ConnectionOpened(transport string) {
	m.connections.WithLabelValues(transport).Inc()
	m.activeConnections.Inc()
}

func (m *Metrics) ConnectionClosed() { m.activeConnections.Dec() }

func (m *Metrics) SetOnline(n int) { m.onlineSessions.Set(float64(n)) }

func (m *Metrics) Dispatched(msgType string, took time.Duration) {
	m.messages.WithLabelValues(msgType).Inc()
	m.handlerDuration.WithLabelValues(msgType).Observe(took.Seconds())
}

func (m *Metrics) Error(code string) { m.errors.WithLabelValues(code).Inc() }

func (m *Metrics) FramingFailure() { m.framingFailures.Inc() }

func (m *Metrics) DeliveryDropped() { m.droppedDeliveries.Inc() }
