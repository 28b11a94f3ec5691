package stdb

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is an optional Prometheus bundle for one connection. It is
// not part of the core protocol (spec.md §1 explicitly treats metrics
// sinks as an external collaborator) but mirrors the counters the
// teacher stack exposes, scoped to a private Registry so creating
// several connections in one process never double-registers a
// collector.
type Metrics struct {
	registry *prometheus.Registry

	FramesReceived      prometheus.Counter
	FramesSent          prometheus.Counter
	BytesReceived       prometheus.Counter
	BytesSent           prometheus.Counter
	RowsCached          *prometheus.GaugeVec
	ReducerCalls        *prometheus.CounterVec
	SubscriptionsActive prometheus.Gauge
	ProtocolErrors      prometheus.Counter
}

// NewMetrics builds and registers a fresh metrics bundle.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spacetimedb_client_frames_received_total",
			Help: "Total number of WebSocket frames received from the server.",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spacetimedb_client_frames_sent_total",
			Help: "Total number of WebSocket frames sent to the server.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spacetimedb_client_bytes_received_total",
			Help: "Total number of bytes received from the server.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spacetimedb_client_bytes_sent_total",
			Help: "Total number of bytes sent to the server.",
		}),
		RowsCached: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spacetimedb_client_rows_cached",
			Help: "Current number of rows held in a table's row cache.",
		}, []string{"table"}),
		ReducerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spacetimedb_client_reducer_calls_total",
			Help: "Total number of CallReducer messages sent, by reducer name.",
		}, []string{"reducer"}),
		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spacetimedb_client_subscriptions_active",
			Help: "Current number of active subscriptions.",
		}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spacetimedb_client_protocol_errors_total",
			Help: "Total number of protocol-fatal errors observed.",
		}),
	}

	registry.MustRegister(
		m.FramesReceived, m.FramesSent, m.BytesReceived, m.BytesSent,
		m.RowsCached, m.ReducerCalls, m.SubscriptionsActive, m.ProtocolErrors,
	)
	return m
}

// Handler returns an http.Handler serving this bundle's metrics in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
