// Package holds implements payment holds: credits a student already paid
// that are earmarked for a teacher until the booked service is delivered
// (release, paying the teacher) or the booking is cancelled (refunding the
// student).
//
// A hold's terminal transition and the settlement event that carries out
// its payout or refund are written in one atomic store operation. The event
// is delivered right away and, if that fails, retried by the Dispatcher
// until the ledger shows it applied, so a hold never ends released or
// cancelled without its money movement eventually happening.
package holds

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/credits/internal/failure"
)

var (
	ErrHoldNotFound       = failure.New(failure.ErrNotFound, "hold not found")
	ErrNotHeld            = failure.New(failure.ErrInvalidState, "hold is no longer held")
	ErrInvalidAmount      = failure.New(failure.ErrBadRequest, "hold amount must be positive")
	ErrMissingReference   = failure.New(failure.ErrBadRequest, "enrollment or session purchase id is required")
	ErrMissingParty       = failure.New(failure.ErrBadRequest, "teacher and student are required")
	ErrSameParty          = failure.New(failure.ErrBadRequest, "teacher and student must differ")
	ErrInvalidPercentage  = failure.New(failure.ErrBadRequest, "release percentage must be in (0, 100]")
	ErrDeductionMismatch  = failure.New(failure.ErrInvalidState, "deduction does not back this hold")
	ErrExceedsDeduction   = failure.New(failure.ErrBadRequest, "hold amount exceeds the backing deduction")
	ErrDeductionInUse     = failure.New(failure.ErrInvalidState, "deduction already backs another hold")
	ErrSettlementNotFound = failure.New(failure.ErrNotFound, "settlement event not found")
)

// Status is the state of a hold.
type Status string

const (
	StatusHeld      Status = "held"
	StatusReleased  Status = "released"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusCancelled
}

var hundred = decimal.NewFromInt(100)

// Hold is funds earmarked for a pending service.
type Hold struct {
	ID                string          `json:"id"`
	EnrollmentID      string          `json:"enrollmentId,omitempty"`
	SessionPurchaseID string          `json:"sessionPurchaseId,omitempty"`
	DeductionTxID     string          `json:"deductionTxId,omitempty"`
	TeacherID         string          `json:"teacherId"`
	StudentID         string          `json:"studentId"`
	Amount            decimal.Decimal `json:"amount"`
	Status            Status          `json:"status"`
	ReleasePercentage decimal.Decimal `json:"releasePercentage"`
	Notes             string          `json:"notes,omitempty"`
	HeldAt            time.Time       `json:"heldAt"`
	ReleasedAt        *time.Time      `json:"releasedAt,omitempty"`
	CancelledAt       *time.Time      `json:"cancelledAt,omitempty"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// PayoutAmount is what the teacher receives on release.
func (h *Hold) PayoutAmount() decimal.Decimal {
	return h.Amount.Mul(h.ReleasePercentage).Div(hundred).Round(6)
}

func (h *Hold) clone() *Hold {
	cp := *h
	if h.ReleasedAt != nil {
		t := *h.ReleasedAt
		cp.ReleasedAt = &t
	}
	if h.CancelledAt != nil {
		t := *h.CancelledAt
		cp.CancelledAt = &t
	}
	return &cp
}

// CreateRequest describes a new hold.
type CreateRequest struct {
	EnrollmentID      string           `json:"enrollmentId"`
	SessionPurchaseID string           `json:"sessionPurchaseId"`
	DeductionTxID     string           `json:"deductionTxId"`
	TeacherID         string           `json:"teacherId" binding:"required"`
	StudentID         string           `json:"studentId" binding:"required"`
	Amount            decimal.Decimal  `json:"amount" binding:"required"`
	ReleasePercentage *decimal.Decimal `json:"releasePercentage"`
	Notes             string           `json:"notes"`
}

// SettlementKind is the money movement a terminal hold owes.
type SettlementKind string

const (
	KindPayout SettlementKind = "payout"
	KindRefund SettlementKind = "refund"
)

// SettlementStatus is the delivery state of a settlement event.
type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "pending"
	SettlementProcessing SettlementStatus = "processing"
	SettlementDelivered  SettlementStatus = "delivered"
	SettlementFailed     SettlementStatus = "failed"
)

// SettlementEvent is the outbox row that drives a hold's payout or refund.
type SettlementEvent struct {
	ID            string           `json:"id"`
	HoldID        string           `json:"holdId"`
	Kind          SettlementKind   `json:"kind"`
	Status        SettlementStatus `json:"status"`
	Attempts      int              `json:"attempts"`
	NextAttemptAt time.Time        `json:"nextAttemptAt"`
	LastError     string           `json:"lastError,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	ProcessedAt   *time.Time       `json:"processedAt,omitempty"`
}

// ExternalID is the ledger idempotency key for the event's money movement.
func (e *SettlementEvent) ExternalID() string {
	return e.HoldID + ":" + string(e.Kind)
}

func (e *SettlementEvent) clone() *SettlementEvent {
	cp := *e
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}

// Store persists holds and their settlement events.
type Store interface {
	Create(ctx context.Context, h *Hold) error
	Get(ctx context.Context, id string) (*Hold, error)
	ListByStudent(ctx context.Context, studentID string, limit int) ([]*Hold, error)
	ListByTeacher(ctx context.Context, teacherID string, limit int) ([]*Hold, error)

	// Transition moves a held hold to status `to` and inserts ev, atomically.
	// It fails with ErrNotHeld if the hold is not held at that moment.
	Transition(ctx context.Context, id string, to Status, at time.Time, ev *SettlementEvent) (*Hold, error)

	GetSettlement(ctx context.Context, holdID string) (*SettlementEvent, error)
	CountSettlements(ctx context.Context, status SettlementStatus) (int, error)
	// ClaimDue marks up to limit due events processing and returns them.
	// Events left processing for longer than lease are claimed again.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*SettlementEvent, error)
	// Ack marks an event delivered.
	Ack(ctx context.Context, id string, at time.Time) error
	// Retry records a failed attempt. A zero next marks the event failed
	// for good; otherwise it becomes due again at next.
	Retry(ctx context.Context, id string, cause error, next time.Time, at time.Time) error
}
