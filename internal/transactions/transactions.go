// Package transactions exposes ledger entries to callers: lookup, paginated
// history, controlled status transitions and the public projection.
package transactions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/credits/internal/failure"
	"github.com/mbd888/credits/internal/ledger"
	"github.com/mbd888/credits/internal/logging"
	"github.com/mbd888/credits/internal/metrics"
	"github.com/mbd888/credits/internal/traces"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

var (
	ErrInvalidStatus     = failure.New(failure.ErrBadRequest, "unknown transaction status")
	ErrIllegalTransition = failure.New(failure.ErrInvalidState, "illegal status transition")
)

// transitions lists the target statuses reachable from each status.
// refunded is set only by the refund flow, which writes the compensating
// entry in the same unit.
var transitions = map[ledger.Status][]ledger.Status{
	ledger.StatusPending: {ledger.StatusCompleted, ledger.StatusFailed},
}

func allowed(from, to ledger.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusHook is called after a transaction actually changed status.
type StatusHook func(ctx context.Context, tx *ledger.CreditTransaction, from ledger.Status)

// Manager reads and transitions ledger entries.
type Manager struct {
	store ledger.Store
	now   func() time.Time

	mu    sync.RWMutex
	hooks []StatusHook
}

// NewManager creates a transaction manager over store.
func NewManager(store ledger.Store) *Manager {
	return &Manager{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock used to stamp processed_at.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// OnStatusChange registers a hook fired after each real status change.
func (m *Manager) OnStatusChange(h StatusHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

// GetTransaction returns the transaction with id, or nil if there is none.
func (m *Manager) GetTransaction(ctx context.Context, id string) (*ledger.CreditTransaction, error) {
	tx, err := m.store.GetTransaction(ctx, id)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return nil, nil
	}
	return tx, err
}

// FindByExternalID returns the transaction recorded for a provider
// reference, or nil if there is none.
func (m *Manager) FindByExternalID(ctx context.Context, provider, externalID string) (*ledger.CreditTransaction, error) {
	tx, err := m.store.FindByExternalID(ctx, provider, externalID)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return nil, nil
	}
	return tx, err
}

// GetUserTransactions returns a page of the user's history, newest first.
// limit defaults to DefaultLimit and is capped at MaxLimit.
func (m *Manager) GetUserTransactions(ctx context.Context, userID string, limit, offset int) ([]*ledger.CreditTransaction, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return m.store.ListByUser(ctx, userID, limit, offset)
}

// UpdateTransactionStatus moves a transaction to status, merging metadata
// and stamping processed_at. Completing a pending entry applies its amount
// to the user's balance in the same atomic unit. Requesting the status the
// transaction already has is a successful no-op: nothing is written and no
// hook runs.
func (m *Manager) UpdateTransactionStatus(ctx context.Context, id string, status ledger.Status, metadata ledger.Metadata) (err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "transactions.UpdateStatus", traces.TransactionID(id))
	defer func() {
		traces.End(span, err)
		metrics.ObserveOp("transactions", "update_status", start, err)
	}()

	if !status.Valid() {
		return ErrInvalidStatus
	}

	current, err := m.store.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == status {
		return nil
	}
	if !allowed(current.Status, status) {
		return ErrIllegalTransition
	}

	updated, err := m.store.SetStatus(ctx, id, current.Status, status, metadata, m.now())
	if errors.Is(err, ledger.ErrStatusConflict) {
		// Someone else moved it first. Same target means our request is
		// already satisfied; anything else is a lost race.
		latest, getErr := m.store.GetTransaction(ctx, id)
		if getErr == nil && latest.Status == status {
			return nil
		}
		return ErrIllegalTransition
	}
	if err != nil {
		return err
	}

	logging.L(ctx).Info("transaction status changed",
		"transaction_id", id, "from", current.Status, "to", status)

	m.mu.RLock()
	hooks := append([]StatusHook(nil), m.hooks...)
	m.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, updated, current.Status)
	}
	return nil
}

// Earmark ties the completed deduction txID to a payment hold. Once
// earmarked, only that hold can refund the deduction and no other hold can
// claim it.
func (m *Manager) Earmark(ctx context.Context, txID, holdID string) error {
	tx, err := m.store.Earmark(ctx, txID, holdID)
	if err != nil {
		return err
	}
	logging.L(ctx).Info("deduction earmarked", "transaction_id", tx.ID, "hold_id", holdID)
	return nil
}

// ClearEarmark undoes Earmark for a hold that was never stored.
func (m *Manager) ClearEarmark(ctx context.Context, txID, holdID string) error {
	return m.store.ClearEarmark(ctx, txID, holdID)
}

// PublicTransaction is the projection of a transaction that is safe to show
// to the user it belongs to. Provider references and metadata are omitted.
type PublicTransaction struct {
	ID            string          `json:"id"`
	Type          ledger.Type     `json:"type"`
	Status        ledger.Status   `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	Currency      string          `json:"currency"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
}

// PublicView projects tx for display.
func PublicView(tx *ledger.CreditTransaction) PublicTransaction {
	return PublicTransaction{
		ID:            tx.ID,
		Type:          tx.Type,
		Status:        tx.Status,
		Amount:        tx.Amount,
		BalanceBefore: tx.BalanceBefore,
		BalanceAfter:  tx.BalanceAfter,
		Currency:      tx.Currency,
		Description:   tx.Description,
		CreatedAt:     tx.CreatedAt,
		ProcessedAt:   tx.ProcessedAt,
	}
}

// PublicViews projects a page of transactions.
func PublicViews(txs []*ledger.CreditTransaction) []PublicTransaction {
	out := make([]PublicTransaction, 0, len(txs))
	for _, tx := range txs {
		out = append(out, PublicView(tx))
	}
	return out
}
