package escrow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/bazaar/internal/metrics"
)

var (
	holdsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "escrow",
		Name:      "holds_total",
		Help:      "Hold events by outcome (created, released, deferred, reduced, refunded).",
	}, []string{"outcome"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "escrow",
		Name:      "operation_duration_seconds",
		Help:      "Escrow operation duration in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(holdsTotal, opDuration)
}

func observeOp(op string) func() {
	start := time.Now()
	return func() {
		opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
