package uploader

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	batchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_uploader_batches_total",
		Help: "Batches posted to the collector, by path and outcome",
	}, []string{"path", "outcome"})

	batchBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "event_courier_uploader_batch_bytes",
		Help:    "Uncompressed batch body size",
		Buckets: prometheus.ExponentialBuckets(256, 4, 8),
	})

	compressionFallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_courier_uploader_compression_fallback_total",
		Help: "Batches sent uncompressed because compression failed",
	})

	authRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_courier_uploader_auth_retries_total",
		Help: "Batches resent with force-refreshed tickets after a 401",
	})

	retriesScheduledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_courier_uploader_retries_scheduled_total",
		Help: "Durable cycles rescheduled after a failure",
	})

	backoffCeilingSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "event_courier_uploader_backoff_ceiling_seconds",
		Help: "Current backoff ceiling, zero when reset",
	})

	realtimeInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "event_courier_uploader_realtime_inflight",
		Help: "Real-time sends currently running",
	})
)

func init() {
	prometheus.MustRegister(
		batchesTotal,
		batchBytes,
		compressionFallbackTotal,
		authRetriesTotal,
		retriesScheduledTotal,
		backoffCeilingSeconds,
		realtimeInFlight,
	)
}
