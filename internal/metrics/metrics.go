// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsDeliveredTotal counts packets handed to the callback, by backend
	PacketsDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_packets_delivered_total",
			Help: "Total number of packets delivered to the callback",
		},
		[]string{"source"},
	)

	// DeliveryErrorsTotal counts source-level failures passed to the callback
	DeliveryErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_delivery_errors_total",
			Help: "Total number of source errors reported to the callback",
		},
		[]string{"source"},
	)

	// VerdictsTotal counts verdicts applied, by verdict
	VerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_verdicts_total",
			Help: "Total number of verdicts applied",
		},
		[]string{"verdict"},
	)

	// VerdictErrorsTotal counts verdicts rejected by the backend
	VerdictErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatekeeper_verdict_errors_total",
			Help: "Total number of verdicts the backend failed to apply",
		},
	)

	// StreamShortcutsTotal counts packets resolved from a recorded stream verdict
	StreamShortcutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_stream_shortcuts_total",
			Help: "Total number of packets resolved by a previous stream verdict",
		},
		[]string{"stage"}, // source | worker | dispatcher
	)

	// ForcedVerdictsTotal counts packets accepted without inspection
	ForcedVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_forced_verdicts_total",
			Help: "Total number of packets accepted without inspection",
		},
		[]string{"reason"}, // backlog_conn | backlog_total | panic | shutdown
	)

	// StreamsReclaimedTotal counts per-stream state dropped by the workers (idle, evicted or closed)
	StreamsReclaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_streams_reclaimed_total",
			Help: "Total number of stream state entries reclaimed",
		},
		[]string{"table"}, // tcp | udp
	)

	// WorkerQueueDepth tracks packets waiting in each worker queue
	WorkerQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gatekeeper_worker_queue_depth",
			Help: "Number of packets waiting in a worker queue",
		},
		[]string{"worker"},
	)
)
