// Package metrics defines the agent's prometheus metrics, grounded on
// metrics/metrics.go's promauto/client_golang conventions: package-level
// auto-registered vectors and convenience call sites (agent/transport/
// coordproto call these directly rather than threading a registry through
// every function).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsSent counts requests written to the wire, by worker role.
	RequestsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lancet_requests_sent_total",
			Help: "Total requests sent by the agent's worker threads.",
		}, []string{"role"})

	// RepliesReceived counts fully-parsed replies, by worker role.
	RepliesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lancet_replies_received_total",
			Help: "Total replies consumed by the agent's worker threads.",
		}, []string{"role"})

	// BytesSent counts bytes written to connections, by worker role.
	BytesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lancet_bytes_sent_total",
			Help: "Total bytes sent by the agent's worker threads.",
		}, []string{"role"})

	// BytesReceived counts bytes read from connections, by worker role.
	BytesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lancet_bytes_received_total",
			Help: "Total bytes received by the agent's worker threads.",
		}, []string{"role"})

	// ConnectionsClosed counts connections that transitioned to closed
	// (spec.md §7: peer closure or unexpected syscall error), by engine.
	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lancet_connections_closed_total",
			Help: "Total connections that transitioned to closed.",
		}, []string{"engine"})

	// LatencyHistogram tracks end-to-end request latency (seconds),
	// observed for every reply under the latency role, whether or not
	// should_measure is set.
	LatencyHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "lancet_latency_seconds",
			Help: "Per-request latency distribution, in seconds.",
			Buckets: []float64{
				0.00001, 0.0000125, 0.000016, 0.00002, 0.000025, 0.000032, 0.00004, 0.00005, 0.000063, 0.000079,
				0.0001, 0.000125, 0.00016, 0.0002, 0.00025, 0.00032, 0.0004, 0.0005, 0.00063, 0.00079,
				0.001, 0.00125, 0.0016, 0.002, 0.0025, 0.0032, 0.004, 0.005, 0.0063, 0.0079,
				0.01, 0.0125, 0.016, 0.02, 0.025, 0.032, 0.04, 0.05, 0.063, 0.079,
				0.1,
			},
		}, []string{"role"})

	// TimestampMismatchCount counts rx completions with no matching
	// pending tx timestamp (spec.md §7: "dropped, a counter incremented").
	TimestampMismatchCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lancet_timestamp_mismatch_total",
			Help: "Number of rx events with no matching pending tx timestamp.",
		},
	)

	// ArchiveFileCount counts archive files rotated to disk.
	ArchiveFileCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lancet_archive_file_total",
			Help: "Number of archive files written.",
		},
	)

	// CoordinatorCommands counts coordinator protocol messages handled,
	// by message type.
	CoordinatorCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lancet_coordinator_commands_total",
			Help: "Coordinator protocol commands handled, by message type.",
		}, []string{"type"})
)
