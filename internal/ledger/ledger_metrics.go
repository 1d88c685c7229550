package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	// PostingsTotal counts committed postings by transaction type.
	PostingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credits",
			Name:      "ledger_postings_total",
			Help:      "Committed ledger postings by transaction type.",
		},
		[]string{"type"},
	)

	// PostedCredits sums posted amounts by transaction type.
	PostedCredits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credits",
			Name:      "ledger_posted_credits_total",
			Help:      "Sum of posted credit amounts by transaction type.",
		},
		[]string{"type"},
	)

	// StatusChangesTotal counts status transitions of existing entries.
	StatusChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credits",
			Name:      "ledger_status_changes_total",
			Help:      "Ledger entry status transitions.",
		},
		[]string{"from", "to"},
	)
)

func init() {
	prometheus.MustRegister(PostingsTotal, PostedCredits, StatusChangesTotal)
}

// RecordPosting updates the posting counters for a committed transaction.
func RecordPosting(tx *CreditTransaction) {
	if tx == nil {
		return
	}
	PostingsTotal.WithLabelValues(string(tx.Type)).Inc()
	PostedCredits.WithLabelValues(string(tx.Type)).Add(amountFloat(tx.Amount))
}

// RecordStatusChange counts a transition of tx away from from. A pending
// entry that completed is counted as a posting too, since its balance
// change lands only now.
func RecordStatusChange(tx *CreditTransaction, from Status) {
	if tx == nil {
		return
	}
	StatusChangesTotal.WithLabelValues(string(from), string(tx.Status)).Inc()
	if from == StatusPending && tx.Status == StatusCompleted {
		RecordPosting(tx)
	}
}

func amountFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
