// Package metrics exposes Prometheus instrumentation for the ingest
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion
	EntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagwatch_entries_total",
			Help: "Total number of diagnostics entries ingested",
		},
		[]string{"source"},
	)

	DroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagwatch_dropped_lines_total",
			Help: "Total number of lines or messages discarded as non-diagnostic",
		},
		[]string{"source"},
	)

	// History store
	HistoryEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "diagwatch_history_entries",
			Help: "Current number of entries held in history",
		},
	)

	EvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "diagwatch_history_evictions_total",
			Help: "Total number of entries evicted from history",
		},
	)

	SubscriberPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "diagwatch_subscriber_panics_total",
			Help: "Total number of subscriber callbacks that panicked",
		},
	)

	// Sources
	SourceUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "diagwatch_source_up",
			Help: "Whether an ingest source is running (1) or not (0)",
		},
		[]string{"source"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "diagwatch_websocket_connections",
			Help: "Current number of connected WebSocket clients",
		},
	)

	// Notifications
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagwatch_notifications_total",
			Help: "Total number of notification attempts by outcome",
		},
		[]string{"status"},
	)
)

// SetSourceUp records the liveness of an ingest source.
func SetSourceUp(source string, running bool) {
	v := 0.0
	if running {
		v = 1
	}
	SourceUp.WithLabelValues(source).Set(v)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
