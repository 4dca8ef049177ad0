package disputes

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/bazaar/internal/metrics"
)

var (
	disputesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "disputes",
		Name:      "events_total",
		Help:      "Dispute events (opened, escalated_<level>, auto_resolved, resolutions).",
	}, []string{"event"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "disputes",
		Name:      "operation_duration_seconds",
		Help:      "Dispute operation duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(disputesTotal, opDuration)
}

func observeOp(op string) func() {
	start := time.Now()
	return func() {
		opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
