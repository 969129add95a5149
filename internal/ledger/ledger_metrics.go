package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hearth",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hearth",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	appendedRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hearth",
			Name:      "ledger_rows_appended_total",
			Help:      "Ledger rows appended by kind and status.",
		},
		[]string{"kind", "status"},
	)

	duplicateEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hearth",
			Name:      "ledger_duplicate_events_total",
			Help:      "Appends rejected because the external event id was already recorded.",
		},
	)

	rejectedDebits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hearth",
			Name:      "ledger_rejected_debits_total",
			Help:      "Debits rejected for insufficient balance.",
		},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hearth",
			Name:      "ledger_balance_cache_lookups_total",
			Help:      "Balance cache lookups by result (hit, miss, error, bypass).",
		},
		[]string{"result"},
	)

	cacheInvalidationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hearth",
			Name:      "ledger_balance_cache_invalidation_failures_total",
			Help:      "Post-commit balance cache invalidations that failed after retries.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		appendedRows,
		duplicateEvents,
		rejectedDebits,
		cacheLookups,
		cacheInvalidationFailures,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
