package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/credits/internal/retry"
	"github.com/shopspring/decimal"
)

// Serialization conflicts are retried this many times before giving up.
const (
	serializationAttempts = 8
	serializationBackoff  = 10 * time.Millisecond
)

// PostgresStore implements Store with PostgreSQL.
//
// Balance changes run in a SERIALIZABLE transaction that locks the user row
// with SELECT ... FOR UPDATE, writes the new balance and inserts the ledger
// row before committing. A CHECK (credit_balance >= 0) constraint backs the
// overdraft check at the database level.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (p *PostgresStore) CreateAccount(ctx context.Context, userID string, opening decimal.Decimal) (*Account, error) {
	if opening.IsNegative() {
		return nil, ErrInvalidAmount
	}
	acct := &Account{ID: userID, CreditBalance: opening, UpdatedAt: p.now()}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, credit_balance, updated_at)
		VALUES ($1, $2, $3)`, acct.ID, acct.CreditBalance, acct.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, ErrAccountExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return acct, nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	acct := &Account{ID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT credit_balance, updated_at FROM users WHERE id = $1`, userID,
	).Scan(&acct.CreditBalance, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresStore) ListAccounts(ctx context.Context, afterID string, limit int) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, credit_balance, updated_at FROM users
		WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Account
	for rows.Next() {
		acct := &Account{}
		if err := rows.Scan(&acct.ID, &acct.CreditBalance, &acct.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Post(ctx context.Context, post Posting) (*CreditTransaction, error) {
	if err := post.validate(); err != nil {
		return nil, err
	}

	var out *CreditTransaction
	err := p.serializable(ctx, func(tx *sql.Tx) error {
		created, err := p.post(ctx, tx, post)
		if err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// post locks the user row and applies the posting inside tx.
func (p *PostgresStore) post(ctx context.Context, tx *sql.Tx, post Posting) (*CreditTransaction, error) {
	var balance decimal.Decimal
	err := tx.QueryRowContext(ctx, `
		SELECT credit_balance FROM users WHERE id = $1 FOR UPDATE`, post.UserID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	entry, err := newTransaction(balance, post, p.now())
	if err != nil {
		return nil, err
	}

	if entry.Status == StatusCompleted {
		if err := setBalance(ctx, tx, entry.UserID, entry.BalanceAfter, entry.CreatedAt); err != nil {
			return nil, err
		}
	}

	metaJSON, err := marshalMetadata(entry.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (
			id, user_id, type, status, amount, balance_before, balance_after,
			currency, description, provider, external_id, reference_id, metadata,
			created_at, updated_at, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		entry.ID, entry.UserID, string(entry.Type), string(entry.Status),
		entry.Amount, entry.BalanceBefore, entry.BalanceAfter,
		entry.Currency, nullString(entry.Description), nullString(entry.Provider),
		nullString(entry.ExternalID), nullString(entry.ReferenceID), metaJSON,
		entry.CreatedAt, entry.UpdatedAt, nullTime(entry.ProcessedAt),
	)
	if isUniqueViolation(err) {
		return nil, ErrDuplicateExternalID
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}
	return entry, nil
}

func setBalance(ctx context.Context, tx *sql.Tx, userID string, balance decimal.Decimal, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET credit_balance = $2, updated_at = $3 WHERE id = $1`,
		userID, balance, at,
	); err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (p *PostgresStore) Reverse(ctx context.Context, r Reversal) (*CreditTransaction, error) {
	var out *CreditTransaction
	err := p.serializable(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+txColumns+`
			FROM credit_transactions WHERE id = $1 FOR UPDATE`, r.OriginalID)
		orig, err := scanTransaction(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTransactionNotFound
		}
		if err != nil {
			return err
		}

		posting, err := reversalPosting(orig, r)
		if err != nil {
			return err
		}
		refund, err := p.post(ctx, tx, posting)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE credit_transactions
			SET status = $2, updated_at = $3, processed_at = $3
			WHERE id = $1`, orig.ID, string(StatusRefunded), refund.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to mark original refunded: %w", err)
		}
		out = refund
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const txColumns = `id, user_id, type, status, amount, balance_before, balance_after,
		currency, description, provider, external_id, reference_id, metadata,
		created_at, updated_at, processed_at, earmarked_by`

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*CreditTransaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM credit_transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) FindByExternalID(ctx context.Context, provider, externalID string) (*CreditTransaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+`
		FROM credit_transactions WHERE provider = $1 AND external_id = $2`, provider, externalID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*CreditTransaction, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+txColumns+`
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*CreditTransaction, 0, limit)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

// SetStatus moves a transaction from one status to another. The WHERE clause
// on the current status makes it a compare-and-set.
func (p *PostgresStore) SetStatus(ctx context.Context, id string, from, to Status, metadata Metadata, at time.Time) (*CreditTransaction, error) {
	patch, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	if from == StatusPending && to == StatusCompleted {
		return p.complete(ctx, id, patch, at)
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE credit_transactions
		SET status = $3, metadata = metadata || $4::JSONB, updated_at = $5, processed_at = $5
		WHERE id = $1 AND status = $2
		RETURNING `+txColumns, id, string(from), string(to), patch, at)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.statusMiss(ctx, id)
	}
	return tx, err
}

// complete settles a pending entry: the balance moves and the entry takes a
// new seq, so it sorts as the user's newest balance change.
func (p *PostgresStore) complete(ctx context.Context, id string, patch []byte, at time.Time) (*CreditTransaction, error) {
	var out *CreditTransaction
	err := p.serializable(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+txColumns+`
			FROM credit_transactions WHERE id = $1 AND status = $2 FOR UPDATE`, id, string(StatusPending))
		entry, err := scanTransaction(row)
		if errors.Is(err, sql.ErrNoRows) {
			return p.statusMiss(ctx, id)
		}
		if err != nil {
			return err
		}

		var balance decimal.Decimal
		err = tx.QueryRowContext(ctx, `
			SELECT credit_balance FROM users WHERE id = $1 FOR UPDATE`, entry.UserID,
		).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock account: %w", err)
		}
		if err := settle(entry, balance); err != nil {
			return err
		}
		if err := setBalance(ctx, tx, entry.UserID, entry.BalanceAfter, at); err != nil {
			return err
		}

		row = tx.QueryRowContext(ctx, `
			UPDATE credit_transactions
			SET status = $2, balance_before = $3, balance_after = $4,
				metadata = metadata || $5::JSONB, updated_at = $6, processed_at = $6,
				seq = nextval(pg_get_serial_sequence('credit_transactions', 'seq'))
			WHERE id = $1
			RETURNING `+txColumns,
			id, string(StatusCompleted), entry.BalanceBefore, entry.BalanceAfter, patch, at)
		out, err = scanTransaction(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// statusMiss explains a compare-and-set that matched no row.
func (p *PostgresStore) statusMiss(ctx context.Context, id string) error {
	if _, err := p.GetTransaction(ctx, id); err != nil {
		return err
	}
	return ErrStatusConflict
}

func (p *PostgresStore) Earmark(ctx context.Context, id, holder string) (*CreditTransaction, error) {
	if holder == "" {
		return nil, ErrMissingHolder
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE credit_transactions
		SET earmarked_by = $2, updated_at = $3
		WHERE id = $1 AND earmarked_by IS NULL AND type = $4 AND status = $5
		RETURNING `+txColumns, id, holder, p.now(), string(TypeDeduction), string(StatusCompleted))
	tx, err := scanTransaction(row)
	if !errors.Is(err, sql.ErrNoRows) {
		return tx, err
	}

	current, err := p.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	done, err := checkEarmark(current, holder)
	if err != nil {
		return nil, err
	}
	if !done {
		return nil, ErrStatusConflict
	}
	return current, nil
}

func (p *PostgresStore) ClearEarmark(ctx context.Context, id, holder string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE credit_transactions SET earmarked_by = NULL, updated_at = $3
		WHERE id = $1 AND earmarked_by = $2`, id, holder, p.now())
	if err != nil {
		return fmt.Errorf("failed to clear earmark: %w", err)
	}
	return nil
}

// serializable runs fn in a SERIALIZABLE transaction, retrying the whole
// transaction when Postgres aborts it with a serialization failure.
func (p *PostgresStore) serializable(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retry.Do(ctx, serializationAttempts, serializationBackoff, func() error {
		err := p.runTx(ctx, fn)
		if err == nil || isSerializationFailure(err) {
			return err
		}
		return retry.Permanent(err)
	})
}

func (p *PostgresStore) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*CreditTransaction, error) {
	tx := &CreditTransaction{}
	var (
		txType, status string
		description    sql.NullString
		provider       sql.NullString
		externalID     sql.NullString
		referenceID    sql.NullString
		earmarkedBy    sql.NullString
		metaJSON       []byte
		processedAt    sql.NullTime
	)
	err := s.Scan(
		&tx.ID, &tx.UserID, &txType, &status, &tx.Amount, &tx.BalanceBefore, &tx.BalanceAfter,
		&tx.Currency, &description, &provider, &externalID, &referenceID, &metaJSON,
		&tx.CreatedAt, &tx.UpdatedAt, &processedAt, &earmarkedBy,
	)
	if err != nil {
		return nil, err
	}

	tx.Type = Type(txType)
	tx.Status = Status(status)
	tx.Description = description.String
	tx.Provider = provider.String
	tx.ExternalID = externalID.String
	tx.ReferenceID = referenceID.String
	tx.EarmarkedBy = earmarkedBy.String
	if processedAt.Valid {
		tx.ProcessedAt = &processedAt.Time
	}
	if len(metaJSON) > 0 && string(metaJSON) != "{}" {
		if err := json.Unmarshal(metaJSON, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return tx, nil
}

func marshalMetadata(m Metadata) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return b, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// isSerializationFailure reports serialization_failure and deadlock_detected.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && (pqErr.Code == "40001" || pqErr.Code == "40P01")
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
