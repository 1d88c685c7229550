// Package credits is the only entry point for changing a user's credit
// balance. Every mutation is delegated to the ledger store as one atomic
// posting, so the balance and the transaction describing the change are
// always written together.
package credits

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/credits/internal/failure"
	"github.com/mbd888/credits/internal/ledger"
	"github.com/mbd888/credits/internal/logging"
	"github.com/mbd888/credits/internal/metrics"
	"github.com/mbd888/credits/internal/traces"
)

const component = "credits"

var (
	ErrInvalidAmount    = failure.New(failure.ErrBadRequest, "amount must be greater than zero")
	ErrDeductionViaAdd  = failure.New(failure.ErrBadRequest, "use DeductCredits to remove credits")
	ErrMissingUser      = failure.New(failure.ErrBadRequest, "user id is required")
	ErrMissingReference = failure.New(failure.ErrBadRequest, "original transaction id is required")
)

// Manager applies balance changes.
type Manager struct {
	store    ledger.Store
	currency string
}

// NewManager creates a credit manager over store.
func NewManager(store ledger.Store) *Manager {
	return &Manager{store: store, currency: ledger.DefaultCurrency}
}

// WithCurrency sets the currency label stamped on new transactions.
func (m *Manager) WithCurrency(currency string) *Manager {
	if currency != "" {
		m.currency = currency
	}
	return m
}

// OpenAccount creates the credit account for a user with an opening balance.
func (m *Manager) OpenAccount(ctx context.Context, userID string, opening decimal.Decimal) (*ledger.Account, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	return m.store.CreateAccount(ctx, userID, opening)
}

// GetBalance returns the live balance of userID.
func (m *Manager) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	acct, err := m.store.GetAccount(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.CreditBalance, nil
}

// DeductCredits removes amount from the user's balance. The balance check
// happens inside the same atomic unit as the write, so concurrent
// deductions can never overdraw the account. opts may attach an external
// reference (making a retried deduction fail with ErrDuplicateExternalID
// instead of charging twice); the type is always deduction.
func (m *Manager) DeductCredits(ctx context.Context, userID string, amount decimal.Decimal, description string, metadata ledger.Metadata, opts ...AddOption) (tx *ledger.CreditTransaction, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "credits.Deduct", traces.UserID(userID), traces.Amount(amount.String()))
	defer func() {
		traces.End(span, err)
		metrics.ObserveOp(component, "deduct", start, err)
	}()

	if err := checkAmount(amount); err != nil {
		return nil, err
	}

	p := ledger.Posting{
		UserID:      userID,
		Amount:      amount,
		Currency:    m.currency,
		Description: description,
		Metadata:    metadata,
	}
	for _, opt := range opts {
		opt(&p)
	}
	p.Type = ledger.TypeDeduction
	p.Pending = false

	tx, err = m.store.Post(ctx, p)
	if err != nil {
		logging.L(ctx).Info("deduction rejected", "user_id", userID, "amount", amount.String(), "error", err)
		return nil, err
	}

	ledger.RecordPosting(tx)
	logging.L(ctx).Info("credits deducted",
		"user_id", userID, "transaction_id", tx.ID,
		"amount", amount.String(), "balance_after", tx.BalanceAfter.String())
	return tx, nil
}

// AddOption customizes a credit created by AddCredits.
type AddOption func(*ledger.Posting)

// WithType sets the transaction type. Defaults to purchase.
func WithType(t ledger.Type) AddOption {
	return func(p *ledger.Posting) { p.Type = t }
}

// WithMetadata attaches free-form metadata.
func WithMetadata(md ledger.Metadata) AddOption {
	return func(p *ledger.Posting) { p.Metadata = md }
}

// WithExternal records the provider and its identifier for the payment.
// The pair is unique across the ledger, which makes the credit idempotent.
func WithExternal(provider, externalID string) AddOption {
	return func(p *ledger.Posting) {
		p.Provider = provider
		p.ExternalID = externalID
	}
}

// WithReference links the credit to another transaction.
func WithReference(txID string) AddOption {
	return func(p *ledger.Posting) { p.ReferenceID = txID }
}

// WithPending records the credit as pending. The balance is untouched until
// the transaction is moved to completed.
func WithPending() AddOption {
	return func(p *ledger.Posting) { p.Pending = true }
}

func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return ledger.CheckAmount(amount)
}

// AddCredits adds amount to the user's balance, or records it as pending
// with WithPending. There is no floor check.
func (m *Manager) AddCredits(ctx context.Context, userID string, amount decimal.Decimal, description string, opts ...AddOption) (tx *ledger.CreditTransaction, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "credits.Add", traces.UserID(userID), traces.Amount(amount.String()))
	defer func() {
		traces.End(span, err)
		metrics.ObserveOp(component, "add", start, err)
	}()

	if err := checkAmount(amount); err != nil {
		return nil, err
	}

	p := ledger.Posting{
		UserID:      userID,
		Type:        ledger.TypePurchase,
		Amount:      amount,
		Currency:    m.currency,
		Description: description,
	}
	for _, opt := range opts {
		opt(&p)
	}
	if p.Type.Debits() {
		return nil, ErrDeductionViaAdd
	}

	tx, err = m.store.Post(ctx, p)
	if err != nil {
		return nil, err
	}

	if tx.Status == ledger.StatusPending {
		logging.L(ctx).Info("pending credit recorded",
			"user_id", userID, "transaction_id", tx.ID, "type", tx.Type, "amount", amount.String())
		return tx, nil
	}
	ledger.RecordPosting(tx)
	logging.L(ctx).Info("credits added",
		"user_id", userID, "transaction_id", tx.ID, "type", tx.Type,
		"amount", amount.String(), "balance_after", tx.BalanceAfter.String())
	return tx, nil
}

// ReverseDeduction credits back a completed deduction and marks it
// refunded, in one atomic unit. Refund policy lives in the refunds package;
// this is the balance mutation it relies on.
func (m *Manager) ReverseDeduction(ctx context.Context, r ledger.Reversal) (tx *ledger.CreditTransaction, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "credits.Reverse", traces.TransactionID(r.OriginalID))
	defer func() {
		traces.End(span, err)
		metrics.ObserveOp(component, "reverse", start, err)
	}()

	if r.OriginalID == "" {
		return nil, ErrMissingReference
	}

	tx, err = m.store.Reverse(ctx, r)
	if err != nil {
		return nil, err
	}

	ledger.RecordPosting(tx)
	logging.L(ctx).Info("deduction reversed",
		"user_id", tx.UserID, "transaction_id", tx.ID, "original_id", r.OriginalID,
		"amount", tx.Amount.String(), "balance_after", tx.BalanceAfter.String())
	return tx, nil
}

// HasSufficientCredits reports whether the user's balance covers amount.
// It is advisory only: DeductCredits re-checks atomically.
func (m *Manager) HasSufficientCredits(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	if amount.IsNegative() {
		return false, ErrInvalidAmount
	}
	balance, err := m.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance.GreaterThanOrEqual(amount), nil
}
