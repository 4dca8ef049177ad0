package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/bazaar/internal/metrics"
)

var (
	entriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Name:      "ledger_entries_total",
		Help:      "Ledger entries reaching a status, by entry type.",
	}, []string{"type", "status"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Name:      "ledger_operation_duration_seconds",
		Help:      "Ledger operation duration in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(entriesTotal, opDuration)
}

func observeOp(op string) func() {
	start := time.Now()
	return func() {
		opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func countEntry(e *Entry) {
	entriesTotal.WithLabelValues(string(e.Type), string(e.Status)).Inc()
}
