// Package metrics exposes the engine's observability surface as real
// Prometheus collectors, registered on a private registry so multiple
// engine instances in one process don't collide on metric names.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge/histogram the engine updates.
type Metrics struct {
	registry *prometheus.Registry

	// Broker quota gauges (§4.4 invariants).
	Pending        prometheus.Gauge
	Active         prometheus.Gauge
	TotalRemaining prometheus.Gauge

	// Connection lifecycle counters.
	ConnectionsStarted prometheus.Counter
	ConnectionsClosed  *prometheus.CounterVec // label: outcome (success|connection_error|protocol_error)

	// I/O driver counters (§4.5).
	IOBytes          *prometheus.CounterVec // label: direction (send|recv)
	IOCompletionTime prometheus.Histogram

	// MediaStreamServer counters (§4.6).
	DuplicateHandshakes   prometheus.Counter
	UnmatchedHandshakes   prometheus.Gauge
	PendingAccepts        prometheus.Gauge

	// Invariant violations (§7) — these should stay at zero.
	InvariantViolations *prometheus.CounterVec // label: kind
}

// New creates a Metrics instance with every collector registered under the
// given namespace on a fresh, private registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "broker_pending", Help: "Sockets in Creating..Connected.",
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "broker_active", Help: "Sockets in InitiatedIo.",
		}),
		TotalRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "broker_total_remaining", Help: "Connections still to be started.",
		}),
		ConnectionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_started_total", Help: "Total SocketStates started.",
		}),
		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_closed_total", Help: "Total SocketStates closed, by outcome.",
		}, []string{"outcome"}),
		IOBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "io_bytes_total", Help: "Bytes moved by I/O drivers, by direction.",
		}, []string{"direction"}),
		IOCompletionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "io_completion_seconds", Help: "Latency from post to completion callback.",
			Buckets: prometheus.DefBuckets,
		}),
		DuplicateHandshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "mediastream_duplicate_handshakes_total", Help: "Duplicate START handshakes discarded.",
		}),
		UnmatchedHandshakes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mediastream_unmatched_handshakes", Help: "Handshakes waiting for an accept slot.",
		}),
		PendingAccepts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mediastream_pending_accepts", Help: "Accept slots waiting for a handshake.",
		}),
		InvariantViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "invariant_violations_total", Help: "Fatal invariant violations observed, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.Pending, m.Active, m.TotalRemaining,
		m.ConnectionsStarted, m.ConnectionsClosed,
		m.IOBytes, m.IOCompletionTime,
		m.DuplicateHandshakes, m.UnmatchedHandshakes, m.PendingAccepts,
		m.InvariantViolations,
	)

	return m
}

// Handler exposes the registry in the standard Prometheus text exposition
// format — the engine never serves this itself (serving is an external
// collaborator's job), but offers it so an embedding CLI can mount it.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Timer returns a function that observes elapsed time into h when called.
func Timer(h prometheus.Histogram) func() {
	start := time.Now()
	return func() { h.Observe(time.Since(start).Seconds()) }
}

// Global is the process-default Metrics instance. Components default to it
// unless a Metrics is explicitly supplied at construction.
var Global = New("ctengine")
