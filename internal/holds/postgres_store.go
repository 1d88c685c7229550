package holds

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed hold store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const holdColumns = `id, enrollment_id, session_purchase_id, deduction_tx_id, teacher_id, student_id,
		amount, status, release_percentage, notes, held_at, released_at, cancelled_at, updated_at`

const eventColumns = `id, hold_id, kind, status, attempts, next_attempt_at, last_error,
		created_at, updated_at, processed_at`

func (p *PostgresStore) Create(ctx context.Context, h *Hold) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		h.ID, nullString(h.EnrollmentID), nullString(h.SessionPurchaseID), nullString(h.DeductionTxID),
		h.TeacherID, h.StudentID, h.Amount, string(h.Status), h.ReleasePercentage,
		nullString(h.Notes), h.HeldAt, nullTime(h.ReleasedAt), nullTime(h.CancelledAt), h.UpdatedAt,
	)
	if isForeignKeyViolation(err) {
		return ErrDeductionMismatch
	}
	if isUniqueViolation(err, "idx_payment_holds_deduction") {
		return ErrDeductionInUse
	}
	if err != nil {
		return fmt.Errorf("failed to create hold: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Hold, error) {
	h, err := scanHold(p.db.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM payment_holds WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	return h, err
}

func (p *PostgresStore) ListByStudent(ctx context.Context, studentID string, limit int) ([]*Hold, error) {
	return p.list(ctx, `student_id = $1`, studentID, limit)
}

func (p *PostgresStore) ListByTeacher(ctx context.Context, teacherID string, limit int) ([]*Hold, error) {
	return p.list(ctx, `teacher_id = $1`, teacherID, limit)
}

func (p *PostgresStore) list(ctx context.Context, where, arg string, limit int) ([]*Hold, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+holdColumns+` FROM payment_holds
		WHERE `+where+` ORDER BY held_at DESC, id DESC LIMIT $2`, arg, limit) // #nosec G202 -- where is a constant
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Transition flips the hold with a conditional UPDATE and inserts the
// settlement event in the same transaction. Zero rows updated means the
// hold was not held (or does not exist).
func (p *PostgresStore) Transition(ctx context.Context, id string, to Status, at time.Time, ev *SettlementEvent) (*Hold, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	stampColumn := "released_at"
	if to == StatusCancelled {
		stampColumn = "cancelled_at"
	}
	h, err := scanHold(tx.QueryRowContext(ctx, `
		UPDATE payment_holds
		SET status = $2, `+stampColumn+` = $3, updated_at = $3
		WHERE id = $1 AND status = 'held'
		RETURNING `+holdColumns, id, string(to), at)) // #nosec G202 -- column name is a constant
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM payment_holds WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrHoldNotFound
		}
		return nil, ErrNotHeld
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition hold: %w", err)
	}

	if ev != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO settlement_events (`+eventColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			ev.ID, ev.HoldID, string(ev.Kind), string(ev.Status), ev.Attempts, ev.NextAttemptAt,
			nullString(ev.LastError), ev.CreatedAt, ev.UpdatedAt, nullTime(ev.ProcessedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue settlement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return h, nil
}

func (p *PostgresStore) GetSettlement(ctx context.Context, holdID string) (*SettlementEvent, error) {
	ev, err := scanEvent(p.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM settlement_events WHERE hold_id = $1`, holdID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSettlementNotFound
	}
	return ev, err
}

func (p *PostgresStore) CountSettlements(ctx context.Context, status SettlementStatus) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM settlement_events WHERE status = $1`, string(status)).Scan(&n)
	return n, err
}

// ClaimDue uses SKIP LOCKED so concurrent dispatchers never claim the same rows.
func (p *PostgresStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*SettlementEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		WITH claimed AS (
			SELECT id FROM settlement_events
			WHERE (status = 'pending' AND next_attempt_at <= $1)
			   OR (status = 'processing' AND updated_at <= $2)
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE settlement_events e
		SET status = 'processing', updated_at = $1
		FROM claimed
		WHERE e.id = claimed.id
		RETURNING e.id, e.hold_id, e.kind, e.status, e.attempts, e.next_attempt_at, e.last_error,
			e.created_at, e.updated_at, e.processed_at`,
		now, now.Add(-lease), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*SettlementEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Ack(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE settlement_events
		SET status = 'delivered', last_error = NULL, updated_at = $2, processed_at = $2
		WHERE id = $1`, id, at)
	return checkAffected(res, err)
}

func (p *PostgresStore) Retry(ctx context.Context, id string, cause error, next time.Time, at time.Time) error {
	status := string(SettlementPending)
	if next.IsZero() {
		status = string(SettlementFailed)
		next = at
	}
	var msg sql.NullString
	if cause != nil {
		msg = sql.NullString{String: cause.Error(), Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE settlement_events
		SET status = $2, attempts = attempts + 1, last_error = $3, next_attempt_at = $4, updated_at = $5
		WHERE id = $1`, id, status, msg, next, at)
	return checkAffected(res, err)
}

func checkAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSettlementNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanHold(s scanner) (*Hold, error) {
	h := &Hold{}
	var (
		status                       string
		enrollment, session, dedTxID sql.NullString
		notes                        sql.NullString
		releasedAt, cancelledAt      sql.NullTime
	)
	err := s.Scan(&h.ID, &enrollment, &session, &dedTxID, &h.TeacherID, &h.StudentID,
		&h.Amount, &status, &h.ReleasePercentage, &notes, &h.HeldAt, &releasedAt, &cancelledAt, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	h.Status = Status(status)
	h.EnrollmentID = enrollment.String
	h.SessionPurchaseID = session.String
	h.DeductionTxID = dedTxID.String
	h.Notes = notes.String
	if releasedAt.Valid {
		h.ReleasedAt = &releasedAt.Time
	}
	if cancelledAt.Valid {
		h.CancelledAt = &cancelledAt.Time
	}
	return h, nil
}

func scanEvent(s scanner) (*SettlementEvent, error) {
	ev := &SettlementEvent{}
	var (
		kind, status string
		lastError    sql.NullString
		processedAt  sql.NullTime
	)
	err := s.Scan(&ev.ID, &ev.HoldID, &kind, &status, &ev.Attempts, &ev.NextAttemptAt, &lastError,
		&ev.CreatedAt, &ev.UpdatedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	ev.Kind = SettlementKind(kind)
	ev.Status = SettlementStatus(status)
	ev.LastError = lastError.String
	if processedAt.Valid {
		ev.ProcessedAt = &processedAt.Time
	}
	return ev, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == constraint
}

// isForeignKeyViolation reports a deduction_tx_id that names no transaction.
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
