package sender

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	senderRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_sender_requests_total",
		Help: "Collector requests by response code (500 includes transport failures)",
	}, []string{"code"})

	senderRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "event_courier_sender_request_duration_seconds",
		Help:    "Collector request latency",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	senderBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_sender_bytes_total",
		Help: "Request body bytes sent to the collector, by content encoding",
	}, []string{"encoding"})

	senderErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_sender_errors_total",
		Help: "Failed collector requests by error type",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(senderRequestsTotal, senderRequestDuration, senderBytesTotal, senderErrorsTotal)
}
