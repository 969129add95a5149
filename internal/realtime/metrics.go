package realtime

import "github.com/prometheus/client_golang/prometheus"

var droppedEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "hearth",
		Name:      "realtime_dropped_events_total",
		Help:      "Revalidate events not delivered, by reason (hub_full, slow_client).",
	},
	[]string{"reason"},
)

func init() {
	prometheus.MustRegister(droppedEvents)
}
