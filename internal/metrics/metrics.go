// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Packet results recorded under decap_packets_total.
const (
	ResultDecoded  = "decoded"
	ResultRejected = "rejected"
	ResultFiltered = "filtered"
	ResultError    = "error"
)

var (
	// PacketsTotal counts packets by what the analyzer chain made of them.
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decap_packets_total",
			Help: "Total number of packets handled, by result",
		},
		[]string{"result"},
	)

	// WeirdsTotal counts protocol anomalies by name.
	WeirdsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decap_weirds_total",
			Help: "Total number of protocol anomalies reported",
		},
		[]string{"name"},
	)

	// TunnelPacketsTotal counts decapsulated packets by GRE variant
	// ("ip" for IP-in-IP).
	TunnelPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decap_tunnel_packets_total",
			Help: "Total number of tunneled packets, by encapsulation",
		},
		[]string{"variant"},
	)

	// DecodeLatencySeconds measures a full pass through the analyzer chain.
	DecodeLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "decap_decode_latency_seconds",
			Help:    "Latency of decoding one packet in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0000001, 2, 20), // 100ns to ~50ms
		},
	)

	// WorkerQueueDepth tracks packets waiting per pipeline worker.
	WorkerQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "decap_worker_queue_depth",
			Help: "Number of packets queued for a pipeline worker",
		},
		[]string{"worker"},
	)

	// WeirdExportErrorsTotal counts anomalies that could not be exported.
	WeirdExportErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decap_weird_export_errors_total",
			Help: "Total number of anomaly records dropped by an exporter",
		},
		[]string{"exporter", "error_type"},
	)
)
