// Package metrics exposes store activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the store metrics. A nil *Registry is valid and records
// nothing.
type Registry struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ChunksScanned     prometheus.Histogram
	FilterSkipsTotal  prometheus.Counter
	GetRetriesTotal   prometheus.Counter

	CompactionsTotal      *prometheus.CounterVec
	CompactionDuration    prometheus.Histogram
	CompactionChunksTotal *prometheus.CounterVec
	CleanupFailuresTotal  prometheus.Counter
	RecoveredFilesTotal   *prometheus.CounterVec

	Chunks       *prometheus.GaugeVec
	PayloadBytes prometheus.Gauge
	FilterFill   prometheus.Gauge

	registry *prometheus.Registry
}

// NewRegistry creates a registry with all metrics initialized.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	r.initOperationMetrics()
	r.initCompactionMetrics()
	r.initChunkMetrics()
	return r
}

func (r *Registry) initOperationMetrics() {
	r.OperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "logkv_operations_total",
			Help: "Total number of store operations",
		},
		[]string{"operation", "status"},
	)

	r.OperationDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logkv_operation_duration_seconds",
			Help:    "Store operation duration in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	r.ChunksScanned = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logkv_get_chunks_scanned",
			Help:    "Chunks read and decoded per get",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	r.FilterSkipsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "logkv_filter_skips_total",
			Help: "Chunks skipped by their bloom filter during get",
		},
	)

	r.GetRetriesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "logkv_get_retries_total",
			Help: "Gets restarted because compaction replaced a chunk mid-read",
		},
	)
}

func (r *Registry) initCompactionMetrics() {
	r.CompactionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "logkv_compactions_total",
			Help: "Total number of compaction runs",
		},
		[]string{"status"},
	)

	r.CompactionDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logkv_compaction_duration_seconds",
			Help:    "Compaction run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	r.CompactionChunksTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "logkv_compaction_chunks_total",
			Help: "Chunks handled by compaction, by outcome",
		},
		[]string{"outcome"},
	)

	r.CleanupFailuresTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "logkv_cleanup_failures_total",
			Help: "Superseded files that could not be deleted",
		},
	)

	r.RecoveredFilesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "logkv_recovery_files_total",
			Help: "Files handled by startup recovery, by action",
		},
		[]string{"action"},
	)
}

func (r *Registry) initChunkMetrics() {
	r.Chunks = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logkv_chunks",
			Help: "Live chunks by kind",
		},
		[]string{"kind"},
	)

	r.PayloadBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "logkv_payload_bytes",
			Help: "Tuple bytes held by live chunks",
		},
	)

	r.FilterFill = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "logkv_filter_fill_ratio",
			Help: "Mean fill ratio of chunk bloom filters",
		},
	)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordOperation records a get or set.
func (r *Registry) RecordOperation(operation string, err error, duration time.Duration) {
	if r == nil {
		return
	}
	r.OperationsTotal.WithLabelValues(operation, status(err)).Inc()
	r.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordGetScan records how many chunks a get decoded, skipped and retried.
func (r *Registry) RecordGetScan(scanned, skipped, retries int) {
	if r == nil {
		return
	}
	r.ChunksScanned.Observe(float64(scanned))
	r.FilterSkipsTotal.Add(float64(skipped))
	r.GetRetriesTotal.Add(float64(retries))
}

// CompactionOutcome counts chunk outcomes of one run.
type CompactionOutcome struct {
	Removed, Rewritten, Merged, Skipped, DeleteFailures int
}

// RecordCompaction records one compaction run.
func (r *Registry) RecordCompaction(out CompactionOutcome, err error, duration time.Duration) {
	if r == nil {
		return
	}
	r.CompactionsTotal.WithLabelValues(status(err)).Inc()
	r.CompactionDuration.Observe(duration.Seconds())
	r.CompactionChunksTotal.WithLabelValues("removed").Add(float64(out.Removed))
	r.CompactionChunksTotal.WithLabelValues("rewritten").Add(float64(out.Rewritten))
	r.CompactionChunksTotal.WithLabelValues("merged").Add(float64(out.Merged))
	r.CompactionChunksTotal.WithLabelValues("skipped").Add(float64(out.Skipped))
	r.CleanupFailuresTotal.Add(float64(out.DeleteFailures))
}

// RecordRecovery records files handled by startup recovery.
func (r *Registry) RecordRecovery(action string, n int) {
	if r == nil {
		return
	}
	r.RecoveredFilesTotal.WithLabelValues(action).Add(float64(n))
}

// SetChunks updates the chunk gauges.
func (r *Registry) SetChunks(logChunks, compactChunks int, payloadBytes int64, fill float64) {
	if r == nil {
		return
	}
	r.Chunks.WithLabelValues("log").Set(float64(logChunks))
	r.Chunks.WithLabelValues("compact").Set(float64(compactChunks))
	r.PayloadBytes.Set(float64(payloadBytes))
	r.FilterFill.Set(fill)
}

// GetPrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
