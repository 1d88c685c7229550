// Package ledger holds user credit balances and the append-only record of
// every change made to them.
//
// Each balance change is a single atomic posting: the balance row is locked,
// the new balance is computed and written, and the CreditTransaction that
// describes the change is inserted, all in one unit. Nothing outside this
// package writes a balance.
package ledger

import (
	"context"
	"time"

	"github.com/mbd888/credits/internal/failure"
	"github.com/mbd888/credits/internal/idgen"
	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound       = failure.New(failure.ErrNotFound, "account not found")
	ErrTransactionNotFound   = failure.New(failure.ErrNotFound, "transaction not found")
	ErrInsufficientCredits   = failure.New(failure.ErrInsufficientCredits, "insufficient credits")
	ErrInvalidAmount         = failure.New(failure.ErrBadRequest, "amount must be positive")
	ErrInvalidType           = failure.New(failure.ErrBadRequest, "invalid transaction type")
	ErrAccountExists         = failure.New(failure.ErrBadRequest, "account already exists")
	ErrRefundExceedsOriginal = failure.New(failure.ErrBadRequest, "refund amount exceeds original amount")
	ErrNotRefundable         = failure.New(failure.ErrInvalidState, "only completed deductions can be refunded")
	ErrStatusConflict        = failure.New(failure.ErrInvalidState, "transaction status changed concurrently")
	ErrDuplicateExternalID   = failure.New(failure.ErrInvalidState, "external id already recorded")
	ErrAmountPrecision       = failure.New(failure.ErrBadRequest, "amount has more than 6 decimal places")
	ErrPendingDebit          = failure.New(failure.ErrBadRequest, "deductions cannot be recorded as pending")
	ErrEarmarked             = failure.New(failure.ErrInvalidState, "deduction backs a payment hold; cancel the hold to refund it")
	ErrNotEarmarkable        = failure.New(failure.ErrInvalidState, "only completed deductions can back a payment hold")
	ErrAlreadyEarmarked      = failure.New(failure.ErrInvalidState, "deduction already backs another payment hold")
	ErrMissingHolder         = failure.New(failure.ErrBadRequest, "earmark holder is required")
)

// MaxAmountScale is the number of decimal places amounts are stored with.
const MaxAmountScale = 6

// CheckAmount rejects amounts that are not positive or carry more decimal
// places than the ledger stores.
func CheckAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(MaxAmountScale)) {
		return ErrAmountPrecision
	}
	return nil
}

// Type is the business reason for a balance change.
type Type string

const (
	TypePurchase       Type = "purchase"
	TypeDeduction      Type = "deduction"
	TypeRefund         Type = "refund"
	TypeDonation       Type = "donation"
	TypeEarning        Type = "earning"
	TypeAffiliateBonus Type = "affiliate_bonus"
)

// Valid reports whether t is a known transaction type.
func (t Type) Valid() bool {
	switch t {
	case TypePurchase, TypeDeduction, TypeRefund, TypeDonation, TypeEarning, TypeAffiliateBonus:
		return true
	}
	return false
}

// Debits reports whether t subtracts from the balance. Every other type adds.
func (t Type) Debits() bool {
	return t == TypeDeduction
}

// Status is the processing state of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// Metadata is free-form data attached to a transaction.
type Metadata map[string]any

func (m Metadata) clone() Metadata {
	if m == nil {
		return nil
	}
	cp := make(Metadata, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Merge returns a copy of m overlaid with extra.
func (m Metadata) Merge(extra Metadata) Metadata {
	if len(extra) == 0 {
		return m.clone()
	}
	out := make(Metadata, len(m)+len(extra))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Account is the credit view of a user.
type Account struct {
	ID            string          `json:"id"`
	CreditBalance decimal.Decimal `json:"creditBalance"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// CreditTransaction is one ledger entry.
type CreditTransaction struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Type          Type            `json:"type"`
	Status        Status          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	Currency      string          `json:"currency"`
	Description   string          `json:"description,omitempty"`
	Provider      string          `json:"provider,omitempty"`
	ExternalID    string          `json:"externalId,omitempty"`
	ReferenceID   string          `json:"referenceId,omitempty"` // transaction this one reverses
	EarmarkedBy   string          `json:"earmarkedBy,omitempty"` // hold this deduction pays for
	Metadata      Metadata        `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
}

func (t *CreditTransaction) clone() *CreditTransaction {
	cp := *t
	cp.Metadata = t.Metadata.clone()
	if t.ProcessedAt != nil {
		at := *t.ProcessedAt
		cp.ProcessedAt = &at
	}
	return &cp
}

// Posting describes a balance change to apply.
type Posting struct {
	UserID      string
	Type        Type
	Amount      decimal.Decimal
	Currency    string
	Description string
	Provider    string
	ExternalID  string
	ReferenceID string
	Metadata    Metadata
	// Pending records the entry without moving the balance. The balance
	// changes when the entry is later moved to completed.
	Pending bool
}

func (p Posting) validate() error {
	if !p.Type.Valid() {
		return ErrInvalidType
	}
	if p.Pending && p.Type.Debits() {
		return ErrPendingDebit
	}
	return CheckAmount(p.Amount)
}

// Reversal describes a refund of a completed deduction. A nil Amount
// refunds the full original amount.
type Reversal struct {
	OriginalID  string
	Amount      *decimal.Decimal
	Description string
	Provider    string
	ExternalID  string
	Metadata    Metadata
	// Holder is the hold on whose behalf the refund runs. An earmarked
	// deduction can only be reversed by its own hold.
	Holder string
}

// Store persists accounts and transactions. Post, Reverse and SetStatus are
// atomic: either every row they touch changes or none does.
type Store interface {
	CreateAccount(ctx context.Context, userID string, opening decimal.Decimal) (*Account, error)
	GetAccount(ctx context.Context, userID string) (*Account, error)
	// ListAccounts pages through accounts ordered by id, starting after afterID.
	ListAccounts(ctx context.Context, afterID string, limit int) ([]*Account, error)
	Post(ctx context.Context, p Posting) (*CreditTransaction, error)
	Reverse(ctx context.Context, r Reversal) (*CreditTransaction, error)
	GetTransaction(ctx context.Context, id string) (*CreditTransaction, error)
	FindByExternalID(ctx context.Context, provider, externalID string) (*CreditTransaction, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*CreditTransaction, error)
	// SetStatus moves id from one status to another as a compare-and-set.
	// Completing a pending entry applies its amount to the balance in the
	// same unit.
	SetStatus(ctx context.Context, id string, from, to Status, metadata Metadata, at time.Time) (*CreditTransaction, error)
	// Earmark marks a completed deduction as paying for holder. A deduction
	// backs at most one holder; earmarking again for the same holder is a
	// no-op.
	Earmark(ctx context.Context, id, holder string) (*CreditTransaction, error)
	// ClearEarmark removes holder's earmark from id, if it is still there.
	ClearEarmark(ctx context.Context, id, holder string) error
}

// DefaultCurrency is used when a posting does not name one.
const DefaultCurrency = "credits"

// newTransaction computes the entry produced by p against balance.
func newTransaction(balance decimal.Decimal, p Posting, now time.Time) (*CreditTransaction, error) {
	after := balance.Add(p.Amount)
	if p.Type.Debits() {
		if balance.LessThan(p.Amount) {
			return nil, ErrInsufficientCredits
		}
		after = balance.Sub(p.Amount)
	}

	currency := p.Currency
	if currency == "" {
		currency = DefaultCurrency
	}

	tx := &CreditTransaction{
		ID:            idgen.WithPrefix("tx_"),
		UserID:        p.UserID,
		Type:          p.Type,
		Status:        StatusCompleted,
		Amount:        p.Amount,
		BalanceBefore: balance,
		BalanceAfter:  after,
		Currency:      currency,
		Description:   p.Description,
		Provider:      p.Provider,
		ExternalID:    p.ExternalID,
		ReferenceID:   p.ReferenceID,
		Metadata:      p.Metadata.clone(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if p.Pending {
		tx.Status = StatusPending
		tx.BalanceAfter = balance
		return tx, nil
	}
	processed := now
	tx.ProcessedAt = &processed
	return tx, nil
}

// settle applies a pending entry's amount to balance, restamping the
// entry's balance snapshot.
func settle(tx *CreditTransaction, balance decimal.Decimal) error {
	after := balance.Add(tx.Amount)
	if tx.Type.Debits() {
		if balance.LessThan(tx.Amount) {
			return ErrInsufficientCredits
		}
		after = balance.Sub(tx.Amount)
	}
	tx.BalanceBefore = balance
	tx.BalanceAfter = after
	return nil
}

// checkEarmark reports whether tx may be earmarked for holder. It returns
// done when holder already holds the earmark.
func checkEarmark(tx *CreditTransaction, holder string) (done bool, err error) {
	if holder == "" {
		return false, ErrMissingHolder
	}
	if tx.EarmarkedBy == holder {
		return true, nil
	}
	if tx.EarmarkedBy != "" {
		return false, ErrAlreadyEarmarked
	}
	if tx.Type != TypeDeduction || tx.Status != StatusCompleted {
		return false, ErrNotEarmarkable
	}
	return false, nil
}

// reversalPosting checks that orig may be refunded by r and returns the
// refund posting to apply.
func reversalPosting(orig *CreditTransaction, r Reversal) (Posting, error) {
	if orig.Type != TypeDeduction || orig.Status != StatusCompleted {
		return Posting{}, ErrNotRefundable
	}
	if orig.EarmarkedBy != "" && orig.EarmarkedBy != r.Holder {
		return Posting{}, ErrEarmarked
	}
	amount := orig.Amount
	if r.Amount != nil {
		amount = *r.Amount
	}
	if err := CheckAmount(amount); err != nil {
		return Posting{}, err
	}
	if amount.GreaterThan(orig.Amount) {
		return Posting{}, ErrRefundExceedsOriginal
	}

	meta := r.Metadata.Merge(Metadata{"original_transaction_id": orig.ID})
	return Posting{
		UserID:      orig.UserID,
		Type:        TypeRefund,
		Amount:      amount,
		Currency:    orig.Currency,
		Description: r.Description,
		Provider:    r.Provider,
		ExternalID:  r.ExternalID,
		ReferenceID: orig.ID,
		Metadata:    meta,
	}, nil
}

func externalKey(provider, externalID string) string {
	if provider == "" || externalID == "" {
		return ""
	}
	return provider + "\x00" + externalID
}
