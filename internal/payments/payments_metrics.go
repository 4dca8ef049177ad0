package payments

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/bazaar/internal/metrics"
)

var gatewayCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: metrics.Namespace,
	Name:      "gateway_calls_total",
	Help:      "Payment gateway calls by provider and result (ok, timeout, retryable, rejected).",
}, []string{"provider", "result"})

func init() {
	prometheus.MustRegister(gatewayCallsTotal)
}
