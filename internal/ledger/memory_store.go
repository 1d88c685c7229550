package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/credits/internal/syncutil"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory ledger store for development mode and tests.
//
// Every change to a user's balance or to one of that user's transactions
// runs under the user's shard lock, so read-compute-write sequences never
// interleave for the same user.
type MemoryStore struct {
	accounts map[string]*Account
	txs      map[string]*CreditTransaction
	byUser   map[string][]string // user -> tx ids in insertion order
	external map[string]string   // provider+external id -> tx id
	users    syncutil.ShardedMutex
	mu       sync.RWMutex
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		txs:      make(map[string]*CreditTransaction),
		byUser:   make(map[string][]string),
		external: make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, userID string, opening decimal.Decimal) (*Account, error) {
	if opening.IsNegative() {
		return nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[userID]; ok {
		return nil, ErrAccountExists
	}
	acct := &Account{ID: userID, CreditBalance: opening, UpdatedAt: m.now()}
	m.accounts[userID] = acct
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context, afterID string, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*Account, 0, len(ids))
	for _, id := range ids {
		cp := *m.accounts[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Post(ctx context.Context, p Posting) (*CreditTransaction, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	unlock, err := m.users.LockContext(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return m.post(p, nil)
}

// post applies p, running also (if set) inside the same write section.
// Caller holds the shard lock for p.UserID.
func (m *MemoryStore) post(p Posting, also func(tx *CreditTransaction)) (*CreditTransaction, error) {
	m.mu.RLock()
	acct, ok := m.accounts[p.UserID]
	var balance decimal.Decimal
	if ok {
		balance = acct.CreditBalance
	}
	m.mu.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}

	tx, err := newTransaction(balance, p, m.now())
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := externalKey(tx.Provider, tx.ExternalID)
	if key != "" {
		if _, dup := m.external[key]; dup {
			return nil, ErrDuplicateExternalID
		}
		m.external[key] = tx.ID
	}
	if tx.Status == StatusCompleted {
		acct.CreditBalance = tx.BalanceAfter
		acct.UpdatedAt = tx.CreatedAt
	}
	m.txs[tx.ID] = tx
	m.byUser[tx.UserID] = append(m.byUser[tx.UserID], tx.ID)
	if also != nil {
		also(tx)
	}

	return tx.clone(), nil
}

func (m *MemoryStore) Reverse(ctx context.Context, r Reversal) (*CreditTransaction, error) {
	orig, err := m.GetTransaction(ctx, r.OriginalID)
	if err != nil {
		return nil, err
	}
	unlock, err := m.users.LockContext(ctx, orig.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the user lock; a concurrent refund may have won.
	m.mu.RLock()
	current := m.txs[r.OriginalID].clone()
	m.mu.RUnlock()

	p, err := reversalPosting(current, r)
	if err != nil {
		return nil, err
	}
	return m.post(p, func(refund *CreditTransaction) {
		stored := m.txs[r.OriginalID]
		at := refund.CreatedAt
		stored.Status = StatusRefunded
		stored.UpdatedAt = at
		stored.ProcessedAt = &at
	})
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*CreditTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx.clone(), nil
}

func (m *MemoryStore) FindByExternalID(ctx context.Context, provider, externalID string) (*CreditTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.external[externalKey(provider, externalID)]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return m.txs[id].clone(), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*CreditTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// byUser is kept in the order entries took effect, like seq in Postgres.
	ids := m.byUser[userID]
	result := make([]*CreditTransaction, 0, limit)
	for i := len(ids) - 1 - offset; i >= 0 && len(result) < limit; i-- {
		result = append(result, m.txs[ids[i]].clone())
	}
	return result, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, from, to Status, metadata Metadata, at time.Time) (*CreditTransaction, error) {
	existing, err := m.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := m.users.LockContext(ctx, existing.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := m.txs[id]
	if tx.Status != from {
		return nil, ErrStatusConflict
	}
	if from == StatusPending && to == StatusCompleted {
		acct, ok := m.accounts[tx.UserID]
		if !ok {
			return nil, ErrAccountNotFound
		}
		if err := settle(tx, acct.CreditBalance); err != nil {
			return nil, err
		}
		acct.CreditBalance = tx.BalanceAfter
		acct.UpdatedAt = at
		m.moveToEnd(tx.UserID, id)
	}
	tx.Status = to
	tx.Metadata = tx.Metadata.Merge(metadata)
	tx.UpdatedAt = at
	tx.ProcessedAt = &at
	return tx.clone(), nil
}

// moveToEnd makes id the user's newest entry. Caller holds m.mu.
func (m *MemoryStore) moveToEnd(userID, id string) {
	ids := m.byUser[userID]
	for i, v := range ids {
		if v == id {
			copy(ids[i:], ids[i+1:])
			ids[len(ids)-1] = id
			return
		}
	}
}

// Earmark runs under the user lock, so it cannot interleave with a
// Reverse of the same deduction.
func (m *MemoryStore) Earmark(ctx context.Context, id, holder string) (*CreditTransaction, error) {
	existing, err := m.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := m.users.LockContext(ctx, existing.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := m.txs[id]
	done, err := checkEarmark(tx, holder)
	if err != nil {
		return nil, err
	}
	if !done {
		tx.EarmarkedBy = holder
		tx.UpdatedAt = m.now()
	}
	return tx.clone(), nil
}

func (m *MemoryStore) ClearEarmark(ctx context.Context, id, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.EarmarkedBy == holder {
		tx.EarmarkedBy = ""
		tx.UpdatedAt = m.now()
	}
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
