package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsQueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_events_queued_total",
		Help: "Events accepted into a persistence handler, by class",
	}, []string{"class"})

	eventsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_events_dropped_total",
		Help: "Events dropped by a named policy, by reason",
	}, []string{"reason"})

	eventsFilteredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_events_filtered_total",
		Help: "Events not accepted by the router filter, by reason",
	}, []string{"reason"})

	eventsSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_events_sent_total",
		Help: "Events in batches the collector accepted, by path",
	}, []string{"path"})

	eventsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_courier_events_rejected_total",
		Help: "Events the collector reported as rejected",
	})

	filesEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_courier_files_evicted_total",
		Help: "Queue files deleted to free quota",
	})

	cyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_upload_cycles_total",
		Help: "Completed durable upload cycles, by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		eventsQueuedTotal,
		eventsDroppedTotal,
		eventsFilteredTotal,
		eventsSentTotal,
		eventsRejectedTotal,
		filesEvictedTotal,
		cyclesTotal,
	)
}
