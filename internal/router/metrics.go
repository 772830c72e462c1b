package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	routerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "event_courier_router_state",
		Help: "Router state (0=stopped, 1=running, 2=paused)",
	})

	routedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_router_routed_total",
		Help: "Accepted events by route (realtime, critical, normal)",
	}, []string{"route"})

	drainsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_router_drains_total",
		Help: "Drain requests by trigger and result",
	}, []string{"trigger", "result"})
)

func init() {
	prometheus.MustRegister(routerState, routedTotal, drainsTotal)
}
