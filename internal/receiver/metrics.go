package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	receiverErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_receiver_errors_total",
		Help: "Total number of receiver errors",
	}, []string{"type"})

	receiverRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_receiver_requests_total",
		Help: "Total number of requests received",
	}, []string{"path"})

	receiverEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_receiver_events_total",
		Help: "Total number of events received, by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(receiverErrorsTotal)
	prometheus.MustRegister(receiverRequestsTotal)
	prometheus.MustRegister(receiverEventsTotal)

	// Initialize counters with 0 so they appear in /metrics immediately
	for _, t := range []string{"decode", "decompress", "encoding", "read", "too_large", "sync"} {
		receiverErrorsTotal.WithLabelValues(t).Add(0)
	}
	for _, p := range []string{"events", "flush", "sync"} {
		receiverRequestsTotal.WithLabelValues(p).Add(0)
	}
	receiverEventsTotal.WithLabelValues("accepted").Add(0)
	receiverEventsTotal.WithLabelValues("rejected").Add(0)
}
