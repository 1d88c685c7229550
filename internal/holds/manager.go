package holds

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/credits/internal/idgen"
	"github.com/mbd888/credits/internal/ledger"
	"github.com/mbd888/credits/internal/logging"
	"github.com/mbd888/credits/internal/metrics"
	"github.com/mbd888/credits/internal/traces"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Deductions reads and earmarks the deductions that pay for holds.
// *transactions.Manager implements it.
type Deductions interface {
	GetTransaction(ctx context.Context, id string) (*ledger.CreditTransaction, error)
	Earmark(ctx context.Context, txID, holdID string) error
	ClearEarmark(ctx context.Context, txID, holdID string) error
}

// Manager runs the hold lifecycle.
type Manager struct {
	store      Store
	dispatcher *Dispatcher
	deductions Deductions
	now        func() time.Time
}

// NewManager creates a hold manager. deductions resolves and earmarks the
// deduction named by a CreateRequest; dispatcher delivers settlements right
// after a transition.
func NewManager(store Store, dispatcher *Dispatcher, deductions Deductions) *Manager {
	return &Manager{
		store:      store,
		dispatcher: dispatcher,
		deductions: deductions,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock used for hold timestamps.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// CreateHold earmarks funds the student already paid. No money moves.
func (m *Manager) CreateHold(ctx context.Context, req CreateRequest) (h *Hold, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "holds.Create", traces.Amount(req.Amount.String()))
	defer func() {
		traces.End(span, err)
		metrics.ObserveOp("holds", "create", start, err)
	}()

	if err := validateCreate(req); err != nil {
		return nil, err
	}
	pct := hundred
	if req.ReleasePercentage != nil {
		pct = *req.ReleasePercentage
	}
	if req.DeductionTxID != "" {
		if err := m.checkDeduction(ctx, req); err != nil {
			return nil, err
		}
	}

	now := m.now()
	h = &Hold{
		ID:                idgen.WithPrefix("hold_"),
		EnrollmentID:      req.EnrollmentID,
		SessionPurchaseID: req.SessionPurchaseID,
		DeductionTxID:     req.DeductionTxID,
		TeacherID:         req.TeacherID,
		StudentID:         req.StudentID,
		Amount:            req.Amount,
		Status:            StatusHeld,
		ReleasePercentage: pct,
		Notes:             req.Notes,
		HeldAt:            now,
		UpdatedAt:         now,
	}
	if h.DeductionTxID != "" {
		if err := m.earmark(ctx, h); err != nil {
			return nil, err
		}
	}
	if err := m.store.Create(ctx, h); err != nil {
		if h.DeductionTxID != "" {
			if cerr := m.deductions.ClearEarmark(ctx, h.DeductionTxID, h.ID); cerr != nil {
				logging.L(ctx).Warn("failed to clear deduction earmark",
					"hold_id", h.ID, "transaction_id", h.DeductionTxID, "error", cerr)
			}
		}
		return nil, err
	}

	metrics.HoldsTotal.WithLabelValues(string(StatusHeld)).Inc()
	logging.L(ctx).Info("hold created",
		"hold_id", h.ID, "teacher_id", h.TeacherID, "student_id", h.StudentID,
		"amount", h.Amount.String(), "release_percentage", h.ReleasePercentage.String())
	return h, nil
}

func validateCreate(req CreateRequest) error {
	if req.EnrollmentID == "" && req.SessionPurchaseID == "" {
		return ErrMissingReference
	}
	if req.TeacherID == "" || req.StudentID == "" {
		return ErrMissingParty
	}
	if req.TeacherID == req.StudentID {
		return ErrSameParty
	}
	if !req.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := ledger.CheckAmount(req.Amount); err != nil {
		return err
	}
	if p := req.ReleasePercentage; p != nil && (!p.IsPositive() || p.GreaterThan(hundred)) {
		return ErrInvalidPercentage
	}
	return nil
}

// checkDeduction verifies the named deduction is the student's completed
// payment, covers the hold and backs no other hold.
func (m *Manager) checkDeduction(ctx context.Context, req CreateRequest) error {
	tx, err := m.deductions.GetTransaction(ctx, req.DeductionTxID)
	if err != nil {
		return err
	}
	if tx == nil || tx.UserID != req.StudentID || tx.Type != ledger.TypeDeduction || tx.Status != ledger.StatusCompleted {
		return ErrDeductionMismatch
	}
	if tx.EarmarkedBy != "" {
		return ErrDeductionInUse
	}
	if req.Amount.GreaterThan(tx.Amount) {
		return ErrExceedsDeduction
	}
	return nil
}

// earmark ties the deduction to h in the ledger. From then on only h's
// own cancellation can refund it, and no other hold can claim it.
func (m *Manager) earmark(ctx context.Context, h *Hold) error {
	err := m.deductions.Earmark(ctx, h.DeductionTxID, h.ID)
	switch {
	case errors.Is(err, ledger.ErrAlreadyEarmarked):
		return ErrDeductionInUse
	case errors.Is(err, ledger.ErrNotEarmarkable), errors.Is(err, ledger.ErrTransactionNotFound):
		return ErrDeductionMismatch
	}
	return err
}

// ReleaseHold marks the service delivered and pays the teacher.
func (m *Manager) ReleaseHold(ctx context.Context, id string) (*Hold, error) {
	return m.transition(ctx, id, StatusReleased, KindPayout, "")
}

// CancelHold cancels the booking and refunds the student.
func (m *Manager) CancelHold(ctx context.Context, id, reason string) (*Hold, error) {
	return m.transition(ctx, id, StatusCancelled, KindRefund, reason)
}

// transition moves the hold out of held and enqueues its settlement in the
// same store call, then tries to deliver the settlement immediately. A
// delivery failure does not fail the transition; the event stays queued
// for the Dispatcher.
func (m *Manager) transition(ctx context.Context, id string, to Status, kind SettlementKind, reason string) (h *Hold, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "holds."+string(kind), traces.HoldID(id))
	defer func() {
		traces.End(span, err)
		metrics.ObserveOp("holds", string(to), start, err)
	}()

	now := m.now()
	ev := &SettlementEvent{
		ID:     idgen.WithPrefix("stl_"),
		HoldID: id,
		Kind:   kind,
		// Claimed by this call. If the process dies before delivering, the
		// lease runs out and the Dispatcher picks it up.
		Status:        SettlementProcessing,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	h, err = m.store.Transition(ctx, id, to, now, ev)
	if err != nil {
		logging.L(ctx).Info("hold transition rejected", "hold_id", id, "to", to, "error", err)
		return nil, err
	}

	metrics.HoldsTotal.WithLabelValues(string(to)).Inc()
	metrics.HoldDuration.Observe(now.Sub(h.HeldAt).Seconds())
	logging.L(ctx).Info("hold "+string(to), "hold_id", h.ID, "amount", h.Amount.String(), "reason", reason)

	if m.dispatcher != nil {
		if derr := m.dispatcher.Deliver(ctx, h, ev); derr != nil {
			logging.L(ctx).Warn("settlement deferred", "hold_id", h.ID, "kind", kind, "error", derr)
		}
	}
	return h, nil
}

// GetHold returns the hold with id.
func (m *Manager) GetHold(ctx context.Context, id string) (*Hold, error) {
	return m.store.Get(ctx, id)
}

// GetSettlement returns the settlement event of a terminal hold.
func (m *Manager) GetSettlement(ctx context.Context, holdID string) (*SettlementEvent, error) {
	return m.store.GetSettlement(ctx, holdID)
}

// ListByStudent returns the student's holds, newest first.
func (m *Manager) ListByStudent(ctx context.Context, studentID string, limit int) ([]*Hold, error) {
	return m.store.ListByStudent(ctx, studentID, clampLimit(limit))
}

// ListByTeacher returns the teacher's holds, newest first.
func (m *Manager) ListByTeacher(ctx context.Context, teacherID string, limit int) ([]*Hold, error) {
	return m.store.ListByTeacher(ctx, teacherID, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
