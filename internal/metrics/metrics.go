// Package metrics provides Prometheus instrumentation for the chat service.
// It exposes a gauge for live connections, counters for message outcomes and
// inbound frame types, and a histogram for frame handling latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of registered WebSocket
	// connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hireloop_chat_connections_active",
		Help: "Current number of registered WebSocket connections",
	})

	// MessagesTotal counts processed chat messages by outcome:
	// "delivered", "flagged", "rejected", or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hireloop_chat_messages_total",
		Help: "Total number of chat messages processed, by outcome",
	}, []string{"result"})

	// FramesTotal counts inbound frames by type, including "invalid" for
	// frames that failed to parse.
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hireloop_chat_frames_total",
		Help: "Total number of inbound WebSocket frames, by type",
	}, []string{"type"})

	// HandleSeconds records per-frame handling latency.
	HandleSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hireloop_chat_message_handle_seconds",
		Help:    "Inbound frame handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		MessagesTotal,
		FramesTotal,
		HandleSeconds,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
