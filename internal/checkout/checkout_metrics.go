package checkout

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/bazaar/internal/metrics"
)

var (
	checkoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "checkout",
		Name:      "events_total",
		Help:      "Checkout events by outcome.",
	}, []string{"outcome"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "checkout",
		Name:      "operation_duration_seconds",
		Help:      "Checkout operation duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(checkoutsTotal, opDuration)
}

func observeOp(op string) func() {
	start := time.Now()
	return func() {
		opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
