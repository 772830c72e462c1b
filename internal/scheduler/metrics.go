package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	schedulerSubmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_courier_scheduler_tasks_submitted_total",
		Help: "Tasks handed to the scheduler workers",
	})

	schedulerRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_scheduler_tasks_rejected_total",
		Help: "Tasks refused by the scheduler, by reason",
	}, []string{"reason"})

	schedulerPanicsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_courier_scheduler_task_panics_total",
		Help: "Scheduled tasks that panicked",
	})

	schedulerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "event_courier_scheduler_queue_depth",
		Help: "Tasks waiting for a worker",
	})
)

func init() {
	prometheus.MustRegister(schedulerSubmittedTotal, schedulerRejectedTotal, schedulerPanicsTotal, schedulerQueueDepth)
}
