// ABOUTME: Prometheus collectors for turns, memory and the capture queue on a dedicated registry
// ABOUTME: Handler exposes the registry for the /metrics route

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every hearth collector plus the Go and process collectors
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		TurnsTotal, TurnDuration, TurnsRejected, TurnsInFlight, TokensTotal,
		MemoryDegraded, CapturesTotal, CaptureQueueDepth,
	)
}

// TurnsTotal counts finished turns by terminal status
var TurnsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hearth_turns_total",
		Help: "Finished turns by status.",
	},
	[]string{"status"}, // completed | failed | cancelled | session_not_found
)

// TurnDuration observes turn latency from Received to Complete
var TurnDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "hearth_turn_duration_seconds",
		Help:    "Turn latency in seconds.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"status"},
)

// TurnsRejected counts turns refused before execution
var TurnsRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hearth_turns_rejected_total",
		Help: "Turns rejected before execution.",
	},
	[]string{"reason"}, // busy | duplicate | invalid
)

// TurnsInFlight is the number of executing turns
var TurnsInFlight = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "hearth_turns_in_flight",
		Help: "Turns currently executing.",
	},
)

// TokensTotal counts runtime-reported tokens
var TokensTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hearth_tokens_total",
		Help: "Tokens reported by the execution runtime.",
	},
	[]string{"direction"}, // input | output
)

// MemoryDegraded counts memory operations that fell back to empty results
var MemoryDegraded = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hearth_memory_degraded_total",
		Help: "Memory operations that failed and were degraded.",
	},
	[]string{"op"}, // retrieve | capture
)

// CapturesTotal counts capture outcomes
var CapturesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hearth_memory_captures_total",
		Help: "Memory captures by outcome.",
	},
	[]string{"outcome"}, // stored | lost | dropped | abandoned
)

// CaptureQueueDepth is the number of captures waiting for a worker
var CaptureQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "hearth_memory_capture_queue_depth",
		Help: "Captures waiting in the queue.",
	},
)

// Handler serves the registry in the Prometheus exposition format
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
