package storage

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	storageQuotaUsedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "event_courier_storage_quota_used_bytes",
		Help: "Bytes currently occupied by queue files of all classes",
	})

	storageQuotaLimitBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "event_courier_storage_quota_limit_bytes",
		Help: "Configured byte budget for queue files of all classes",
	})

	storageBytesWrittenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_storage_bytes_written_total",
		Help: "Bytes appended to queue files",
	}, []string{"class"})

	storageRecordsWrittenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_storage_records_written_total",
		Help: "Records appended to queue files",
	}, []string{"class"})

	storageFilesRotatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_storage_files_rotated_total",
		Help: "Open queue files closed because they were full or drained",
	}, []string{"class"})

	storageFilesDiscardedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_storage_files_discarded_total",
		Help: "Queue files deleted, by class and reason",
	}, []string{"class", "reason"})

	storageCorruptFramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_courier_storage_corrupt_frames_total",
		Help: "Queue file reads that stopped at a truncated or corrupt frame",
	})

	storageWriteErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_storage_write_errors_total",
		Help: "Failed appends to queue files",
	}, []string{"class"})
)

func init() {
	prometheus.MustRegister(
		storageQuotaUsedBytes,
		storageQuotaLimitBytes,
		storageBytesWrittenTotal,
		storageRecordsWrittenTotal,
		storageFilesRotatedTotal,
		storageFilesDiscardedTotal,
		storageCorruptFramesTotal,
		storageWriteErrorsTotal,
	)
}
