// Package metrics exposes prometheus collectors for the fetch pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's prometheus collectors.
type Metrics struct {
	// HTTPBytes counts compressed asset bytes received over HTTP.
	HTTPBytes prometheus.Counter

	// FetchOutcomes counts finished fetches by result label
	// ("success", "aborted").
	FetchOutcomes *prometheus.CounterVec

	// QueuedRequests is the process-wide count of requests pending in
	// per-service queues.
	QueuedRequests prometheus.Gauge

	// ActiveHTTP is the number of HTTP requests currently in flight.
	ActiveHTTP prometheus.Gauge

	// Workers is the number of live fetch workers.
	Workers prometheus.Gauge

	// PacketsReceived counts accepted inbound UDP packets.
	PacketsReceived prometheus.Counter

	// PacketsRejected counts inbound UDP packets that failed validation.
	PacketsRejected prometheus.Counter

	// CacheReads counts blob cache reads by result ("hit", "miss").
	CacheReads *prometheus.CounterVec
}

// New creates and registers the pipeline collectors on reg. Passing
// prometheus.DefaultRegisterer wires the standard /metrics endpoint.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "texfetch",
			Name:      "http_bytes_total",
			Help:      "Compressed asset bytes received over HTTP.",
		}),
		FetchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "texfetch",
			Name:      "fetch_outcomes_total",
			Help:      "Finished fetches by result.",
		}, []string{"result"}),
		QueuedRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "texfetch",
			Name:      "queued_requests",
			Help:      "Requests pending in per-service queues.",
		}),
		ActiveHTTP: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "texfetch",
			Name:      "active_http_requests",
			Help:      "HTTP requests currently in flight.",
		}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "texfetch",
			Name:      "workers",
			Help:      "Live fetch workers.",
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "texfetch",
			Name:      "udp_packets_received_total",
			Help:      "Accepted inbound UDP image packets.",
		}),
		PacketsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "texfetch",
			Name:      "udp_packets_rejected_total",
			Help:      "Inbound UDP image packets that failed validation.",
		}),
		CacheReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "texfetch",
			Name:      "cache_reads_total",
			Help:      "Blob cache reads by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.HTTPBytes,
			m.FetchOutcomes,
			m.QueuedRequests,
			m.ActiveHTTP,
			m.Workers,
			m.PacketsReceived,
			m.PacketsRejected,
			m.CacheReads,
		)
	}
	return m
}

// NewNop creates unregistered collectors for tests.
func NewNop() *Metrics {
	return New(nil)
}
