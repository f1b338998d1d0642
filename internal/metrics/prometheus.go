package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "docstore"

// Metrics holds all Prometheus metrics of one engine instance
type Metrics struct {
	// WAL metrics
	WALAppendsTotal     prometheus.Counter
	WALAppendBytes      prometheus.Counter
	WALSyncsTotal       prometheus.Counter
	WALSyncDuration     prometheus.Histogram
	WALSealsTotal       prometheus.Counter
	WALSealedSegments   prometheus.Gauge
	WALWriteErrorsTotal prometheus.Counter

	// Collector metrics
	CollectorSegmentsTotal  prometheus.Counter
	CollectorRecordsTotal   *prometheus.CounterVec
	CollectorPassDuration   prometheus.Histogram
	CollectorFailuresTotal  prometheus.Counter
	CollectorHalted         prometheus.Gauge
	CollectorWatermark      *prometheus.GaugeVec
	CollectorSkippedRecords prometheus.Counter

	// Compaction metrics
	CompactionJobsTotal       *prometheus.CounterVec
	CompactionJobDuration     prometheus.Histogram
	CompactionDatafilesInput  prometheus.Histogram
	CompactionDatafilesRemove prometheus.Counter
	CompactionBytesReclaimed  prometheus.Counter
	CompactionRecordsCopied   prometheus.Counter

	// Datafile metrics
	DatafileAppendsTotal    prometheus.Counter
	DatafileTombstonesTotal *prometheus.CounterVec
	DatafileSyncDuration    prometheus.Histogram
	DatafileRotationsTotal  prometheus.Counter

	// Recovery metrics
	RecoveryDuration         prometheus.Gauge
	RecoverySegmentsReplayed prometheus.Gauge
	RecoveryRecordsReplayed  prometheus.Gauge
	RecoveryCorruptions      prometheus.Gauge
	RecoveryStaleRetired     prometheus.Gauge

	// System metrics
	DiskUsagePercent   prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
}

// New creates all metrics and registers them with reg. Every engine gets its
// own registerer so several can live in one process.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		WALAppendsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "appends_total",
			Help:      "Total number of operations appended to the WAL",
		}),
		WALAppendBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "append_bytes_total",
			Help:      "Total bytes of WAL frames appended",
		}),
		WALSyncsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "syncs_total",
			Help:      "Total number of WAL fsyncs",
		}),
		WALSyncDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "sync_duration_seconds",
			Help:      "Histogram of WAL fsync durations",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		WALSealsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "seals_total",
			Help:      "Total number of sealed WAL segments",
		}),
		WALSealedSegments: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "sealed_segments",
			Help:      "Sealed segments waiting for the collector",
		}),
		WALWriteErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "write_errors_total",
			Help:      "Total number of failed WAL writes",
		}),

		CollectorSegmentsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "segments_total",
			Help:      "Total number of collected WAL segments",
		}),
		CollectorRecordsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "records_total",
			Help:      "Total number of WAL records applied to datafiles by type",
		}, []string{"type"}),
		CollectorPassDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "pass_duration_seconds",
			Help:      "Histogram of collector pass durations",
			Buckets:   prometheus.DefBuckets,
		}),
		CollectorFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "failures_total",
			Help:      "Total number of aborted collector passes",
		}),
		CollectorHalted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "halted",
			Help:      "1 when the collector stopped on an unrecoverable error",
		}),
		CollectorWatermark: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "watermark",
			Help:      "Durable collected watermark per collection",
		}, []string{"collection"}),
		CollectorSkippedRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "skipped_records_total",
			Help:      "Records skipped because they were corrupt or already collected",
		}),

		CompactionJobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "jobs_total",
			Help:      "Total number of compaction jobs by status",
		}, []string{"status"}),
		CompactionJobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "job_duration_seconds",
			Help:      "Histogram of compaction job durations",
			Buckets:   prometheus.DefBuckets,
		}),
		CompactionDatafilesInput: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "datafiles_input",
			Help:      "Histogram of input datafiles per compaction",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		CompactionDatafilesRemove: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "datafiles_removed_total",
			Help:      "Total number of datafiles removed by compaction",
		}),
		CompactionBytesReclaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "bytes_reclaimed_total",
			Help:      "Total bytes freed by compaction",
		}),
		CompactionRecordsCopied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "records_copied_total",
			Help:      "Total live records copied into compaction outputs",
		}),

		DatafileAppendsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "datafile",
			Name:      "appends_total",
			Help:      "Total number of document records appended to datafiles",
		}),
		DatafileTombstonesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "datafile",
			Name:      "tombstones_total",
			Help:      "Total number of records marked dead by reason",
		}, []string{"reason"}),
		DatafileSyncDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "datafile",
			Name:      "sync_duration_seconds",
			Help:      "Histogram of datafile fsync durations",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		DatafileRotationsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "datafile",
			Name:      "rotations_total",
			Help:      "Total number of sealed active datafiles",
		}),

		RecoveryDuration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "duration_seconds",
			Help:      "Duration of the last startup recovery",
		}),
		RecoverySegmentsReplayed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "segments_replayed",
			Help:      "WAL segments replayed by the last recovery",
		}),
		RecoveryRecordsReplayed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "records_replayed",
			Help:      "WAL records replayed by the last recovery",
		}),
		RecoveryCorruptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "corruptions",
			Help:      "Corrupt records skipped by the last recovery",
		}),
		RecoveryStaleRetired: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "stale_records_retired",
			Help:      "Datafile records retired by the last recovery",
		}),

		DiskUsagePercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "disk_usage_percent",
			Help:      "Disk usage percentage of the data volume",
		}),
		DiskAvailableBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "disk_available_bytes",
			Help:      "Available disk space in bytes",
		}),
	}
}

// RecordWALAppend records one appended frame
func (m *Metrics) RecordWALAppend(bytes int) {
	m.WALAppendsTotal.Inc()
	m.WALAppendBytes.Add(float64(bytes))
}

// RecordWALSync records a WAL fsync
func (m *Metrics) RecordWALSync(duration float64) {
	m.WALSyncsTotal.Inc()
	m.WALSyncDuration.Observe(duration)
}

// RecordWALSeal records a sealed segment
func (m *Metrics) RecordWALSeal(pending int) {
	m.WALSealsTotal.Inc()
	m.WALSealedSegments.Set(float64(pending))
}

// RecordCollectorPass records a finished collector pass over one segment
func (m *Metrics) RecordCollectorPass(duration float64, err error) {
	m.CollectorPassDuration.Observe(duration)
	if err != nil {
		m.CollectorFailuresTotal.Inc()
		return
	}
	m.CollectorSegmentsTotal.Inc()
}

// RecordCollectedRecord records one record applied by the collector
func (m *Metrics) RecordCollectedRecord(opType string) {
	m.CollectorRecordsTotal.WithLabelValues(opType).Inc()
}

// SetCollectorHalted flips the halted gauge
func (m *Metrics) SetCollectorHalted(halted bool) {
	if halted {
		m.CollectorHalted.Set(1)
	} else {
		m.CollectorHalted.Set(0)
	}
}

// UpdateWatermark publishes the durable watermark of a collection
func (m *Metrics) UpdateWatermark(collection string, seq uint64) {
	m.CollectorWatermark.WithLabelValues(collection).Set(float64(seq))
}

// RecordCompactionJob records a compaction job
func (m *Metrics) RecordCompactionJob(status string, duration float64, inputs int, copied int64, reclaimed int64) {
	m.CompactionJobsTotal.WithLabelValues(status).Inc()
	m.CompactionJobDuration.Observe(duration)
	m.CompactionDatafilesInput.Observe(float64(inputs))
	if status == "completed" {
		m.CompactionDatafilesRemove.Add(float64(inputs))
		m.CompactionRecordsCopied.Add(float64(copied))
		if reclaimed > 0 {
			m.CompactionBytesReclaimed.Add(float64(reclaimed))
		}
	}
}

// RecordTombstone records a record marked dead, by reason
func (m *Metrics) RecordTombstone(deletion bool) {
	if deletion {
		m.DatafileTombstonesTotal.WithLabelValues("deletion").Inc()
	} else {
		m.DatafileTombstonesTotal.WithLabelValues("superseded").Inc()
	}
}

// RecordRecovery publishes the outcome of startup recovery
func (m *Metrics) RecordRecovery(duration float64, segments, records, corruptions, retired int) {
	m.RecoveryDuration.Set(duration)
	m.RecoverySegmentsReplayed.Set(float64(segments))
	m.RecoveryRecordsReplayed.Set(float64(records))
	m.RecoveryCorruptions.Set(float64(corruptions))
	m.RecoveryStaleRetired.Set(float64(retired))
}

// UpdateDiskStats updates disk statistics
func (m *Metrics) UpdateDiskStats(usagePercent float64, available uint64) {
	m.DiskUsagePercent.Set(usagePercent)
	m.DiskAvailableBytes.Set(float64(available))
}
