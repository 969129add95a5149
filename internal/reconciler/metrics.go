package reconciler

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hearth",
			Subsystem: "reconciler",
			Name:      "events_total",
			Help:      "Webhook deliveries by event type and result.",
		},
		[]string{"type", "result"},
	)

	anomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hearth",
			Subsystem: "reconciler",
			Name:      "anomalies_total",
			Help:      "Out-of-order events that would have reverted a terminal hold state.",
		},
		[]string{"type"},
	)

	ingestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hearth",
		Subsystem: "reconciler",
		Name:      "ingest_duration_seconds",
		Help:      "Time to verify and apply one webhook delivery.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})
)

func init() {
	prometheus.MustRegister(eventsIngested, anomalies, ingestDuration)
}
