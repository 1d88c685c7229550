package payments

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/mbd888/credits/internal/credits"
	"github.com/mbd888/credits/internal/ledger"
	"github.com/mbd888/credits/internal/logging"
	"github.com/mbd888/credits/internal/metrics"
)

// Crediter adds credits. *credits.Manager implements it.
type Crediter interface {
	AddCredits(ctx context.Context, userID string, amount decimal.Decimal, description string, opts ...credits.AddOption) (*ledger.CreditTransaction, error)
}

// Transactions finds and transitions ledger entries. *transactions.Manager
// implements it.
type Transactions interface {
	FindByExternalID(ctx context.Context, provider, externalID string) (*ledger.CreditTransaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, status ledger.Status, metadata ledger.Metadata) error
}

// Fulfiller turns payments into ledger credits.
//
// When a payment is created through the Orchestrator the Fulfiller records
// its credits as a pending purchase keyed by the provider's payment id.
// The provider's success webhook completes that entry, which applies the
// balance; a failure webhook marks it failed. Payments that were created
// elsewhere (a hosted checkout, say) have no pending entry and are credited
// directly on success. Either way the (provider, payment id) key means a
// redelivered webhook never credits twice.
type Fulfiller struct {
	credits Crediter
	txs     Transactions
}

// NewFulfiller creates a fulfiller over the credit and transaction managers.
func NewFulfiller(c Crediter, txs Transactions) *Fulfiller {
	return &Fulfiller{credits: c, txs: txs}
}

// RecordPayment records the credits a newly created payment will grant as
// a pending purchase. It implements Recorder.
func (f *Fulfiller) RecordPayment(ctx context.Context, provider string, req PaymentRequest, resp *PaymentResponse) error {
	if resp == nil || resp.ID == "" {
		return ErrMissingPaymentRef
	}
	md := ledger.Metadata{
		"amount":   req.Amount.String(),
		"currency": req.Currency,
	}
	tx, err := f.credits.AddCredits(ctx, req.UserID, req.Credits, purchaseDescription(req.Description),
		credits.WithType(ledger.TypePurchase),
		credits.WithExternal(provider, resp.ID),
		credits.WithMetadata(md),
		credits.WithPending(),
	)
	if errors.Is(err, ledger.ErrDuplicateExternalID) {
		// The provider returned a payment we already know about.
		return nil
	}
	if err != nil {
		return err
	}
	logging.L(ctx).Info("pending purchase recorded",
		"provider", provider, "payment_id", resp.ID, "user_id", req.UserID, "transaction_id", tx.ID)
	return nil
}

func purchaseDescription(d string) string {
	if d == "" {
		return "Credit purchase"
	}
	return d
}

// HandlePaymentEvent applies ev.
func (f *Fulfiller) HandlePaymentEvent(ctx context.Context, ev PaymentEvent) (err error) {
	defer func() {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Provider, string(ev.Kind), metrics.Result(err)).Inc()
	}()
	log := logging.L(ctx).With("provider", ev.Provider, "event_id", ev.EventID, "payment_id", ev.PaymentID)

	switch ev.Kind {
	case EventPaymentSucceeded:
		return f.fulfill(ctx, ev)
	case EventPaymentFailed:
		return f.fail(ctx, ev)
	case EventRefundSucceeded:
		log.Info("provider refund completed", "user_id", ev.UserID, "amount", ev.Amount.String())
		return nil
	default:
		return ErrUnsupportedEvent
	}
}

func (f *Fulfiller) fulfill(ctx context.Context, ev PaymentEvent) error {
	if ev.PaymentID == "" {
		return ErrInvalidPayment
	}
	log := logging.L(ctx).With("provider", ev.Provider, "payment_id", ev.PaymentID)

	existing, err := f.txs.FindByExternalID(ctx, ev.Provider, ev.PaymentID)
	if err != nil {
		return err
	}
	switch {
	case existing == nil:
		return f.credit(ctx, ev, ev.PaymentID)
	case existing.Status == ledger.StatusPending:
		if err := f.txs.UpdateTransactionStatus(ctx, existing.ID, ledger.StatusCompleted, eventMetadata(ev)); err != nil {
			return err
		}
		log.Info("payment fulfilled", "user_id", existing.UserID,
			"transaction_id", existing.ID, "credits", existing.Amount.String())
		return nil
	case existing.Status == ledger.StatusFailed:
		// The provider let the customer retry after a failure. The failed
		// entry keeps its history; the success is credited under its own
		// event id.
		if ev.EventID == "" {
			return ErrInvalidPayment
		}
		return f.credit(ctx, ev, ev.PaymentID+":"+ev.EventID)
	default:
		log.Info("payment already fulfilled", "transaction_id", existing.ID)
		return nil
	}
}

// credit adds a completed purchase for a payment with no pending entry.
func (f *Fulfiller) credit(ctx context.Context, ev PaymentEvent, externalID string) error {
	if ev.UserID == "" || !ev.Credits.IsPositive() {
		return ErrInvalidPayment
	}
	tx, err := f.credits.AddCredits(ctx, ev.UserID, ev.Credits, "Credit purchase",
		credits.WithType(ledger.TypePurchase),
		credits.WithExternal(ev.Provider, externalID),
		credits.WithMetadata(eventMetadata(ev)),
	)
	if errors.Is(err, ledger.ErrDuplicateExternalID) {
		logging.L(ctx).Info("payment already fulfilled", "provider", ev.Provider, "payment_id", ev.PaymentID)
		return nil
	}
	if err != nil {
		return err
	}
	logging.L(ctx).Info("payment fulfilled",
		"provider", ev.Provider, "payment_id", ev.PaymentID, "user_id", ev.UserID,
		"transaction_id", tx.ID, "credits", ev.Credits.String())
	return nil
}

func (f *Fulfiller) fail(ctx context.Context, ev PaymentEvent) error {
	log := logging.L(ctx).With("provider", ev.Provider, "payment_id", ev.PaymentID)
	if ev.PaymentID == "" {
		log.Warn("payment failed", "user_id", ev.UserID, "reason", ev.Reason)
		return nil
	}
	existing, err := f.txs.FindByExternalID(ctx, ev.Provider, ev.PaymentID)
	if err != nil {
		return err
	}
	if existing == nil || existing.Status != ledger.StatusPending {
		log.Warn("payment failed", "user_id", ev.UserID, "reason", ev.Reason)
		return nil
	}
	md := eventMetadata(ev)
	if ev.Reason != "" {
		md["failure_reason"] = ev.Reason
	}
	if err := f.txs.UpdateTransactionStatus(ctx, existing.ID, ledger.StatusFailed, md); err != nil {
		return err
	}
	log.Warn("payment failed; pending purchase marked failed",
		"user_id", existing.UserID, "transaction_id", existing.ID, "reason", ev.Reason)
	return nil
}

func eventMetadata(ev PaymentEvent) ledger.Metadata {
	md := ledger.Metadata{"event_id": ev.EventID}
	if !ev.Amount.IsZero() {
		md["amount"] = ev.Amount.String()
	}
	if ev.Currency != "" {
		md["currency"] = ev.Currency
	}
	return md
}
