// Package refunds reverses completed deductions.
package refunds

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/credits/internal/ledger"
	"github.com/mbd888/credits/internal/logging"
	"github.com/mbd888/credits/internal/metrics"
	"github.com/mbd888/credits/internal/traces"
)

// Reverser applies the compensating balance change. *credits.Manager
// implements it.
type Reverser interface {
	ReverseDeduction(ctx context.Context, r ledger.Reversal) (*ledger.CreditTransaction, error)
}

// Option customizes a refund.
type Option func(*ledger.Reversal)

// WithExternal tags the refund with a provider reference. The pair is
// unique in the ledger, so a replayed request cannot refund twice.
func WithExternal(provider, externalID string) Option {
	return func(r *ledger.Reversal) {
		r.Provider = provider
		r.ExternalID = externalID
	}
}

// WithHolder runs the refund on behalf of a payment hold. A deduction that
// backs a hold can only be refunded by that hold.
func WithHolder(holdID string) Option {
	return func(r *ledger.Reversal) { r.Holder = holdID }
}

// WithMetadata attaches metadata to the refund transaction.
func WithMetadata(md ledger.Metadata) Option {
	return func(r *ledger.Reversal) { r.Metadata = r.Metadata.Merge(md) }
}

// Manager processes refunds.
type Manager struct {
	credits Reverser
}

// NewManager creates a refund manager.
func NewManager(credits Reverser) *Manager {
	return &Manager{credits: credits}
}

// ProcessRefund refunds the completed deduction txID. A nil amount refunds
// the full original amount; otherwise 0 < amount <= original. A deduction
// earmarked by a payment hold is refunded only through that hold. The refund
// entry and the original's move to refunded are written together, so a
// second call on the same transaction fails with an invalid-state error and
// leaves exactly one refund in the ledger.
func (m *Manager) ProcessRefund(ctx context.Context, txID string, amount *decimal.Decimal, reason string, opts ...Option) (tx *ledger.CreditTransaction, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "refunds.Process", traces.TransactionID(txID))
	defer func() {
		traces.End(span, err)
		metrics.ObserveOp("refunds", "process", start, err)
	}()

	description := "Refund"
	if reason != "" {
		description = "Refund: " + reason
	}
	r := ledger.Reversal{
		OriginalID:  txID,
		Amount:      amount,
		Description: description,
	}
	if reason != "" {
		r.Metadata = ledger.Metadata{"reason": reason}
	}
	for _, opt := range opts {
		opt(&r)
	}

	tx, err = m.credits.ReverseDeduction(ctx, r)
	if err != nil {
		logging.L(ctx).Warn("refund rejected", "transaction_id", txID, "error", err)
		return nil, err
	}

	logging.L(ctx).Info("refund processed",
		"transaction_id", txID, "refund_id", tx.ID,
		"user_id", tx.UserID, "amount", tx.Amount.String())
	return tx, nil
}
