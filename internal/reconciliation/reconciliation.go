// Package reconciliation audits the ledger: every live balance must equal
// the balance_after of the user's newest transaction, and no hold
// settlement may be left failed.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/credits/internal/holds"
	"github.com/mbd888/credits/internal/ledger"
)

const pageSize = 500

// AccountReader pages accounts and reads history. *ledger.PostgresStore
// and *ledger.MemoryStore implement it.
type AccountReader interface {
	ListAccounts(ctx context.Context, afterID string, limit int) ([]*ledger.Account, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*ledger.CreditTransaction, error)
}

// SettlementCounter counts settlement events by status.
type SettlementCounter interface {
	CountSettlements(ctx context.Context, status holds.SettlementStatus) (int, error)
}

// Mismatch is an account whose live balance disagrees with its ledger.
type Mismatch struct {
	UserID        string          `json:"userId"`
	Balance       decimal.Decimal `json:"balance"`
	LedgerBalance decimal.Decimal `json:"ledgerBalance"`
	TransactionID string          `json:"transactionId"`
}

// Report is the outcome of one audit run.
type Report struct {
	AccountsChecked    int           `json:"accountsChecked"`
	Mismatches         []Mismatch    `json:"mismatches"`
	FailedSettlements  int           `json:"failedSettlements"`
	PendingSettlements int           `json:"pendingSettlements"`
	Duration           time.Duration `json:"duration"`
	Healthy            bool          `json:"healthy"`
}

// Runner runs audits.
type Runner struct {
	accounts    AccountReader
	settlements SettlementCounter
}

// NewRunner creates an audit runner. settlements may be nil.
func NewRunner(accounts AccountReader, settlements SettlementCounter) *Runner {
	return &Runner{accounts: accounts, settlements: settlements}
}

// RunAll audits every account and the settlement outbox.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}
	defer func() {
		report.Duration = time.Since(start)
		reconcileDuration.Observe(report.Duration.Seconds())
	}()

	if err := r.auditBalances(ctx, report); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	if r.settlements != nil {
		failed, err := r.settlements.CountSettlements(ctx, holds.SettlementFailed)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("failed to count settlements: %w", err)
		}
		pending, err := r.settlements.CountSettlements(ctx, holds.SettlementPending)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("failed to count settlements: %w", err)
		}
		report.FailedSettlements = failed
		report.PendingSettlements = pending
	}

	reconcileLedgerMismatches.Set(float64(len(report.Mismatches)))
	reconcileFailedSettlements.Set(float64(report.FailedSettlements))
	report.Healthy = len(report.Mismatches) == 0 && report.FailedSettlements == 0
	return report, nil
}

func (r *Runner) auditBalances(ctx context.Context, report *Report) error {
	after := ""
	for {
		page, err := r.accounts.ListAccounts(ctx, after, pageSize)
		if err != nil {
			return fmt.Errorf("failed to list accounts: %w", err)
		}
		for _, acct := range page {
			latest, err := r.accounts.ListByUser(ctx, acct.ID, 1, 0)
			if err != nil {
				return fmt.Errorf("failed to read history for %s: %w", acct.ID, err)
			}
			report.AccountsChecked++
			if len(latest) == 0 {
				// Opening balance only.
				continue
			}
			if !latest[0].BalanceAfter.Equal(acct.CreditBalance) {
				report.Mismatches = append(report.Mismatches, Mismatch{
					UserID:        acct.ID,
					Balance:       acct.CreditBalance,
					LedgerBalance: latest[0].BalanceAfter,
					TransactionID: latest[0].ID,
				})
			}
		}
		if len(page) < pageSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}
