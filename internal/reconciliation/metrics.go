package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "credits",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Accounts whose balance disagreed with their newest transaction in the last run.",
	})

	reconcileFailedSettlements = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "credits",
		Subsystem: "reconciliation",
		Name:      "failed_settlements",
		Help:      "Hold settlements left failed in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "credits",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "credits",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileFailedSettlements,
		reconcileDuration,
		reconcileErrors,
	)
}
