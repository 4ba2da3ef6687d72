package xrpc

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	batchesTotal      *prometheus.CounterVec
	destinationsTotal *prometheus.CounterVec
	callsTotal        *prometheus.CounterVec
	chunksTotal       *prometheus.CounterVec
	decodeFailures    prometheus.Counter
	orderingFallbacks *prometheus.CounterVec

	batchDuration *prometheus.HistogramVec
	batchLag      prometheus.Gauge
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		batchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrpc",
			Name:      "batches_total",
			Help:      "Total number of processed batches by result.",
		}, []string{"result"}),
		destinationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrpc",
			Name:      "destination_batches_total",
			Help:      "Total number of destination batches by final state.",
		}, []string{"destination", "result"}),
		callsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrpc",
			Name:      "calls_total",
			Help:      "Total number of calls executed on a destination.",
		}, []string{"destination"}),
		chunksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrpc",
			Name:      "chunks_total",
			Help:      "Total number of statement chunks executed on a destination.",
		}, []string{"destination"}),
		decodeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "xrpc",
			Name:      "decode_failures_total",
			Help:      "Total number of events whose args could not be decoded.",
		}),
		orderingFallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xrpc",
			Name:      "ordering_fallbacks_total",
			Help:      "Total number of destination batches executed in arrival order because sorting failed.",
		}, []string{"destination"}),
		batchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "xrpc",
			Name:      "batch_duration_seconds",
			Help:      "Latency distribution for batch processing.",
			Buckets: []float64{
				0.001, 0.002, 0.005,
				0.01, 0.02, 0.05,
				0.1, 0.2, 0.5,
				1, 2, 5, 10, 30,
			},
		}, []string{"result"}),
		batchLag: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "xrpc",
			Name:      "batch_lag_seconds",
			Help:      "Queue lag of the most recently delivered batch.",
		}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
