package handler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	handlerBufferedRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "event_courier_handler_buffered_records",
		Help: "Normal events held in memory awaiting a disk flush",
	})

	handlerFlushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_handler_flushes_total",
		Help: "Flushes of the normal in-memory buffer to disk, by trigger",
	}, []string{"trigger"})
)

func init() {
	prometheus.MustRegister(handlerBufferedRecords, handlerFlushesTotal)
}
