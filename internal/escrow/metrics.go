package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	holdTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hearth",
			Subsystem: "escrow",
			Name:      "hold_transitions_total",
			Help:      "Hold status transitions by from-status and to-status.",
		},
		[]string{"from", "to"},
	)

	holdsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hearth",
			Subsystem: "escrow",
			Name:      "holds_created_total",
			Help:      "Holds opened by subject type and outcome.",
		},
		[]string{"subject_type", "outcome"},
	)

	gatewayRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hearth",
			Subsystem: "escrow",
			Name:      "gateway_retries_total",
			Help:      "Retried provider calls by operation.",
		},
		[]string{"op"},
	)

	refundedMinorUnits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hearth",
			Subsystem: "escrow",
			Name:      "refunded_minor_units_total",
			Help:      "Money refunded to payers in minor units, by currency.",
		},
		[]string{"currency"},
	)
)

func init() {
	prometheus.MustRegister(holdTransitions, holdsCreated, gatewayRetries, refundedMinorUnits)
}
