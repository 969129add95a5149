package gateway

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	gwCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "gateway",
		Name:      "calls_total",
		Help:      "Provider calls by provider, operation and outcome.",
	}, []string{"provider", "op", "outcome"}) // "ok", "rejected", "timeout", "unavailable"

	gwLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hearth",
		Subsystem: "gateway",
		Name:      "call_duration_seconds",
		Help:      "Provider call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"provider", "op"})

	eventsVerified = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "gateway",
		Name:      "events_verified_total",
		Help:      "Webhook deliveries by signature check result.",
	}, []string{"provider", "result"})
)

func init() {
	prometheus.MustRegister(gwCalls, gwLatency, eventsVerified)
}

func observeCall(provider, op string, err error, d time.Duration) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrRejected):
		outcome = "rejected"
	case errors.Is(err, ErrGatewayTimeout):
		outcome = "timeout"
	default:
		outcome = "unavailable"
	}
	gwCalls.WithLabelValues(provider, op, outcome).Inc()
	gwLatency.WithLabelValues(provider, op).Observe(d.Seconds())
}
