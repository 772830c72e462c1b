package compression

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	compressionPoolGets atomic.Int64
	compressionPoolPuts atomic.Int64
	compressionPoolNews atomic.Int64
)

func init() {
	prometheus.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "event_courier_compression_pool_gets_total",
			Help: "Pool.Get() calls for zstd encoders",
		}, func() float64 { return float64(compressionPoolGets.Load()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "event_courier_compression_pool_puts_total",
			Help: "Pool.Put() calls for zstd encoders",
		}, func() float64 { return float64(compressionPoolPuts.Load()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "event_courier_compression_pool_new_total",
			Help: "New zstd encoders created (pool miss)",
		}, func() float64 { return float64(compressionPoolNews.Load()) }),
	)
}
