// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Buffer metrics.
	BufferPagesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concourse_buffer_pages_total",
			Help: "Number of buffer pages currently held (mutable + sealed, not yet transferred).",
		},
	)

	BufferBytesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concourse_buffer_bytes_total",
			Help: "Total bytes resident across all buffer pages.",
		},
	)

	BufferTransfersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "concourse_buffer_transfers_total",
			Help: "Total number of sealed pages transferred into blocks.",
		},
	)

	// Block metrics.
	BlocksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "concourse_blocks_total",
			Help: "Number of blocks by flavor and lifecycle state.",
		},
		[]string{"flavor", "state"},
	)

	BlockFlushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concourse_block_flush_duration_seconds",
			Help:    "Time taken to flush a mutable block to disk.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"flavor"},
	)

	BloomProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concourse_bloom_probes_total",
			Help: "Bloom filter probes by flavor and result (hit/miss).",
		},
		[]string{"flavor", "result"},
	)

	SearchFanoutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "concourse_search_fanout_duration_seconds",
			Help:    "Time taken for search substring-expansion fan-out to drain.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Lock / transaction metrics.
	LockCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concourse_lock_cache_size",
			Help: "Number of tokens currently held in the lock cache.",
		},
	)

	TransactionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concourse_transactions_active",
			Help: "Number of transactions currently in STAGING mode.",
		},
	)

	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concourse_transactions_total",
			Help: "Total transactions by outcome (committed/aborted/conflict).",
		},
		[]string{"outcome"},
	)

	// Engine operation metrics.
	EngineOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concourse_engine_operation_duration_seconds",
			Help:    "Engine operation latency by verb.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"verb"},
	)

	EngineOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concourse_engine_operations_total",
			Help: "Total engine operations by verb and outcome.",
		},
		[]string{"verb", "outcome"},
	)

	QuarantinedSegments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concourse_quarantined_segments",
			Help: "Number of blocks or pages currently quarantined due to IO/corruption.",
		},
	)
)

// Register registers all collectors with the default Prometheus registry.
// It is safe to call once at process start.
func Register() {
	prometheus.MustRegister(
		BufferPagesTotal,
		BufferBytesTotal,
		BufferTransfersTotal,
		BlocksTotal,
		BlockFlushDuration,
		BloomProbesTotal,
		SearchFanoutDuration,
		LockCacheSize,
		TransactionsActive,
		TransactionsTotal,
		EngineOpDuration,
		EngineOpsTotal,
		QuarantinedSegments,
	)
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
