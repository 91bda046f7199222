// Package metrics exposes Prometheus instrumentation for the chat service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions tracks the number of open websocket sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "directchat_active_sessions",
		Help: "Current number of open chat sessions",
	})

	// MessagesTotal counts send attempts by result: "sent", "skipped",
	// "limited" or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "directchat_messages_total",
		Help: "Total number of message sends by result",
	}, []string{"result"})

	// PresenceWrites counts presence writes by state: "typing", "online"
	// or "offline".
	PresenceWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "directchat_presence_writes_total",
		Help: "Total number of presence writes",
	}, []string{"state"})

	// MessagesMarkedRead counts messages flipped to read.
	MessagesMarkedRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "directchat_messages_marked_read_total",
		Help: "Total number of messages marked read",
	})

	// StoreFailures counts store operations that failed after retries.
	StoreFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "directchat_store_failures_total",
		Help: "Store operations that failed after retries",
	}, []string{"op"})

	// SendLatency records the duration of the send transaction.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "directchat_send_latency_seconds",
		Help:    "Message send transaction latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})
)

func init() {
	prometheus.MustRegister(
		ActiveSessions,
		MessagesTotal,
		PresenceWrites,
		MessagesMarkedRead,
		StoreFailures,
		SendLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
