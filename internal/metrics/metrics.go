// Package metrics defines the Prometheus metrics of an engine. Every
// engine registers on its own registerer so several engines can live in
// one process (tests do this).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pancake"

// Metrics holds the engine's collectors.
type Metrics struct {
	RowsWritten   *prometheus.CounterVec
	WriteRejected *prometheus.CounterVec
	WALAppends    prometheus.Counter
	WALFailures   prometheus.Counter

	RowsFlushed   *prometheus.CounterVec
	Flushes       *prometheus.CounterVec
	FlushDuration prometheus.Histogram

	Compactions        *prometheus.CounterVec
	CompactionDuration prometheus.Histogram
	SegmentsMerged     prometheus.Counter

	Scans           *prometheus.CounterVec
	SegmentsScanned prometheus.Counter
	SegmentsPruned  *prometheus.CounterVec
	CorruptSegments prometheus.Counter
	ScanPredicates  *prometheus.CounterVec

	LiveSegments       prometheus.Gauge
	BufferedRows       prometheus.Gauge
	DegradedPartitions prometheus.Gauge
	PendingReclaims    prometheus.Gauge
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RowsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Rows acknowledged by Write.",
		}, []string{"table"}),
		WriteRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_rejected_total",
			Help:      "Write calls rejected, by error code.",
		}, []string{"code"}),
		WALAppends: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "appends_total",
			Help:      "Records made durable in a write-ahead log.",
		}),
		WALFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "failures_total",
			Help:      "Records that failed to become durable.",
		}),
		RowsFlushed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "rows_total",
			Help:      "Rows written into flushed segments.",
		}, []string{"table"}),
		Flushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "attempts_total",
			Help:      "Flush attempts by result.",
		}, []string{"result"}),
		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "duration_seconds",
			Help:      "Duration of successful flushes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		Compactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "attempts_total",
			Help:      "Compaction attempts by result.",
		}, []string{"result"}),
		CompactionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "duration_seconds",
			Help:      "Duration of successful compactions.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		SegmentsMerged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "segments_merged_total",
			Help:      "Input segments replaced by compaction.",
		}),
		Scans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "total",
			Help:      "Scans started, by table.",
		}, []string{"table"}),
		SegmentsScanned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "segments_read_total",
			Help:      "Segments decoded by scans.",
		}),
		SegmentsPruned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "segments_pruned_total",
			Help:      "Segments skipped without decoding, by pruning stage.",
		}, []string{"stage"}),
		CorruptSegments: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "corrupt_segments_total",
			Help:      "Segments skipped because a block failed verification.",
		}),
		ScanPredicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "predicates_total",
			Help:      "Predicate usage by column and operator.",
		}, []string{"table", "column", "op"}),
		LiveSegments: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_segments",
			Help:      "Live segments across all partitions.",
		}),
		BufferedRows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_rows",
			Help:      "Rows held in write buffers, frozen buffers included.",
		}),
		DegradedPartitions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degraded_partitions",
			Help:      "Partitions whose flush or compaction exhausted its retries.",
		}),
		PendingReclaims: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_reclaims",
			Help:      "Superseded segments waiting for readers to finish.",
		}),
	}
}

// NewNop returns metrics registered on a private registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
