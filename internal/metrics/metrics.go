// Package metrics provides Prometheus instrumentation for the chat delivery
// layer. It exposes gauges for live connections and bus subscribers, counters
// for event throughput and admission outcomes, and a histogram for publish
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of admitted WebSocket sessions.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_active",
		Help: "Current number of active WebSocket sessions",
	})

	// EventsPublished counts chat events handed to the bus.
	EventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_events_published_total",
		Help: "Total number of chat events published to the bus",
	})

	// EventsDelivered counts events written to a client socket.
	EventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_events_delivered_total",
		Help: "Total number of chat events written to clients",
	})

	// EventsSkipped counts events lost by subscribers that fell behind.
	EventsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_events_skipped_total",
		Help: "Total number of chat events skipped by lagging subscribers",
	})

	// AdmissionRejections counts refused upgrade requests, labeled by reason:
	// "bad_request", "unauthorized", "forbidden", "unavailable",
	// "rate_limited" or "overloaded".
	AdmissionRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_admission_rejections_total",
		Help: "Total number of rejected connection attempts",
	}, []string{"reason"})

	// BusSubscribers tracks the number of live bus subscriptions.
	BusSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_bus_subscribers",
		Help: "Current number of event bus subscribers",
	})

	// PublishLatency records how long a publish takes, including the
	// cross-instance hop when one is configured.
	PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_publish_latency_seconds",
		Help:    "Event publish latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		EventsPublished,
		EventsDelivered,
		EventsSkipped,
		AdmissionRejections,
		BusSubscribers,
		PublishLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
