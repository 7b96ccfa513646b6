// Package metrics exposes Prometheus instrumentation for the runtime:
// event-bus traffic, WebSocket connection health, order updates, and
// outbound HTTP calls, served on /metrics next to a /health probe.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Event bus metrics
	BusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantd_bus_published_total",
			Help: "Total number of events published to the bus",
		},
		[]string{"exchange"},
	)

	BusDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantd_bus_dropped_total",
			Help: "Total number of publishes dropped while disconnected",
		},
		[]string{"exchange"},
	)

	BusConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantd_bus_consumed_total",
			Help: "Total number of deliveries dispatched to handlers",
		},
		[]string{"exchange"},
	)

	BusConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quantd_bus_connected",
			Help: "Event bus connection status (1=connected, 0=disconnected)",
		},
	)

	// WebSocket metrics
	WSMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantd_ws_messages_total",
			Help: "Total number of WebSocket frames received",
		},
		[]string{"name", "kind"},
	)

	WSReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantd_ws_reconnects_total",
			Help: "Total number of WebSocket reconnection attempts",
		},
		[]string{"name"},
	)

	// Order metrics
	OrderUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantd_order_updates_total",
			Help: "Total number of order status updates",
		},
		[]string{"platform", "status"},
	)

	// Outbound HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantd_http_requests_total",
			Help: "Total number of outbound HTTP requests",
		},
		[]string{"method", "host", "status"},
	)
)

// RecordBusConnected flips the bus connection gauge.
func RecordBusConnected(connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	BusConnected.Set(v)
}
