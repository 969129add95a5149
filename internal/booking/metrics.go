package booking

import "github.com/prometheus/client_golang/prometheus"

var (
	bookingsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "booking",
		Name:      "created_total",
		Help:      "Total bookings created.",
	})

	bookingTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "booking",
		Name:      "transitions_total",
		Help:      "Booking status transitions by from/to status.",
	}, []string{"from", "to"})

	releasesDeferred = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "booking",
		Name:      "releases_deferred_total",
		Help:      "Cancellations whose escrow release was left to the reconciliation sweep.",
	})

	completionsRun = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "booking",
		Name:      "completions_total",
		Help:      "Bookings processed by the completion timer by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(bookingsCreated, bookingTransitions, releasesDeferred, completionsRun)
}
