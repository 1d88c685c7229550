package holds

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/credits/internal/credits"
	"github.com/mbd888/credits/internal/failure"
	"github.com/mbd888/credits/internal/ledger"
	"github.com/mbd888/credits/internal/logging"
	"github.com/mbd888/credits/internal/metrics"
	"github.com/mbd888/credits/internal/refunds"
	"github.com/mbd888/credits/internal/retry"
	"github.com/mbd888/credits/internal/traces"
)

// SettlementProvider is the provider recorded on every ledger entry a hold
// settlement writes. With the event's ExternalID it forms the idempotency key.
const SettlementProvider = "hold"

// Crediter adds credits. *credits.Manager implements it.
type Crediter interface {
	AddCredits(ctx context.Context, userID string, amount decimal.Decimal, description string, opts ...credits.AddOption) (*ledger.CreditTransaction, error)
}

// Refunder reverses a deduction. *refunds.Manager implements it.
type Refunder interface {
	ProcessRefund(ctx context.Context, txID string, amount *decimal.Decimal, reason string, opts ...refunds.Option) (*ledger.CreditTransaction, error)
}

// Lookup finds ledger entries by provider reference, returning nil when
// absent. *transactions.Manager implements it.
type Lookup interface {
	FindByExternalID(ctx context.Context, provider, externalID string) (*ledger.CreditTransaction, error)
	GetTransaction(ctx context.Context, id string) (*ledger.CreditTransaction, error)
}

// DispatcherConfig tunes settlement delivery.
type DispatcherConfig struct {
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Lease is how long a claimed event may stay processing before another
	// sweep claims it again.
	Lease time.Duration
}

// DefaultDispatcherConfig returns production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSize:      100,
		MaxAttempts:    10,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     10 * time.Minute,
		Lease:          2 * time.Minute,
	}
}

// DispatchStats summarizes one sweep.
type DispatchStats struct {
	Claimed   int
	Delivered int
	Retried   int
	Failed    int
}

// Dispatcher applies settlement events to the ledger. Delivery is at least
// once; the (provider, external id) key on the ledger entry makes applying
// the same event twice a no-op.
type Dispatcher struct {
	store   Store
	credits Crediter
	refunds Refunder
	lookup  Lookup
	cfg     DispatcherConfig
	now     func() time.Time
}

// NewDispatcher creates a settlement dispatcher.
func NewDispatcher(store Store, c Crediter, r Refunder, lookup Lookup, cfg DispatcherConfig) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	return &Dispatcher{
		store:   store,
		credits: c,
		refunds: r,
		lookup:  lookup,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the dispatcher clock.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// DispatchDue claims due events and delivers each one.
func (d *Dispatcher) DispatchDue(ctx context.Context) (DispatchStats, error) {
	var stats DispatchStats
	events, err := d.store.ClaimDue(ctx, d.now(), d.cfg.Lease, d.cfg.BatchSize)
	if err != nil {
		return stats, err
	}
	stats.Claimed = len(events)
	metrics.SettlementBacklog.Set(float64(len(events)))

	for _, ev := range events {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		h, err := d.store.Get(ctx, ev.HoldID)
		if err != nil {
			err = d.fail(ctx, ev, err)
		} else {
			err = d.Deliver(ctx, h, ev)
		}
		switch {
		case err == nil:
			stats.Delivered++
		case errors.Is(err, errGaveUp):
			stats.Failed++
		default:
			stats.Retried++
		}
	}
	return stats, nil
}

var errGaveUp = errors.New("settlement failed permanently")

// Deliver applies ev for h and records the outcome on the event. It returns
// nil once the money movement is in the ledger.
func (d *Dispatcher) Deliver(ctx context.Context, h *Hold, ev *SettlementEvent) (err error) {
	ctx, span := traces.StartSpan(ctx, "holds.Settle", traces.HoldID(h.ID))
	defer func() { traces.End(span, err) }()

	log := logging.L(ctx).With("hold_id", h.ID, "event_id", ev.ID, "kind", ev.Kind, "attempt", ev.Attempts+1)

	applyErr := d.apply(ctx, h, ev)
	if applyErr == nil {
		metrics.SettlementsTotal.WithLabelValues(string(ev.Kind), "delivered").Inc()
		if err := d.store.Ack(ctx, ev.ID, d.now()); err != nil {
			// The ledger entry exists; the next sweep finds it and acks.
			log.Warn("failed to ack settlement", "error", err)
		}
		log.Info("settlement delivered")
		return nil
	}
	return d.fail(ctx, ev, applyErr)
}

// fail schedules a retry or, for permanent errors and exhausted attempts,
// marks the event failed.
func (d *Dispatcher) fail(ctx context.Context, ev *SettlementEvent, cause error) error {
	log := logging.L(ctx).With("hold_id", ev.HoldID, "event_id", ev.ID, "kind", ev.Kind)
	attempt := ev.Attempts + 1
	now := d.now()

	if isPermanent(cause) || attempt >= d.cfg.MaxAttempts {
		metrics.SettlementsTotal.WithLabelValues(string(ev.Kind), "failed").Inc()
		if err := d.store.Retry(ctx, ev.ID, cause, time.Time{}, now); err != nil {
			log.Warn("failed to record settlement failure", "error", err)
		}
		log.Error("settlement failed permanently", "attempts", attempt, "error", cause)
		return errors.Join(errGaveUp, cause)
	}

	next := now.Add(retry.Backoff(attempt, d.cfg.InitialBackoff, d.cfg.MaxBackoff))
	metrics.SettlementsTotal.WithLabelValues(string(ev.Kind), "retry").Inc()
	if err := d.store.Retry(ctx, ev.ID, cause, next, now); err != nil {
		log.Warn("failed to schedule settlement retry", "error", err)
	}
	log.Warn("settlement attempt failed", "attempts", attempt, "next_attempt_at", next, "error", cause)
	return cause
}

func isPermanent(err error) bool {
	switch failure.KindOf(err) {
	case failure.KindInvalidState, failure.KindBadRequest:
		return true
	}
	return false
}

func (d *Dispatcher) apply(ctx context.Context, h *Hold, ev *SettlementEvent) error {
	existing, err := d.lookup.FindByExternalID(ctx, SettlementProvider, ev.ExternalID())
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	switch ev.Kind {
	case KindPayout:
		err = d.payout(ctx, h, ev)
	case KindRefund:
		err = d.refund(ctx, h, ev)
	default:
		err = failure.New(failure.ErrInvalidState, "unknown settlement kind "+string(ev.Kind))
	}
	if errors.Is(err, ledger.ErrDuplicateExternalID) {
		// Another delivery of the same event won the race.
		return nil
	}
	return err
}

func (d *Dispatcher) payout(ctx context.Context, h *Hold, ev *SettlementEvent) error {
	amount := h.PayoutAmount()
	if !amount.IsPositive() {
		return nil
	}
	_, err := d.credits.AddCredits(ctx, h.TeacherID, amount, "Payout for hold "+h.ID,
		credits.WithType(ledger.TypeEarning),
		credits.WithExternal(SettlementProvider, ev.ExternalID()),
		credits.WithMetadata(holdMetadata(h)),
	)
	return err
}

func (d *Dispatcher) refund(ctx context.Context, h *Hold, ev *SettlementEvent) error {
	if h.DeductionTxID != "" {
		amount := h.Amount
		_, err := d.refunds.ProcessRefund(ctx, h.DeductionTxID, &amount, "hold cancelled",
			refunds.WithExternal(SettlementProvider, ev.ExternalID()),
			refunds.WithHolder(h.ID),
			refunds.WithMetadata(holdMetadata(h)),
		)
		return err
	}
	_, err := d.credits.AddCredits(ctx, h.StudentID, h.Amount, "Refund for cancelled hold "+h.ID,
		credits.WithType(ledger.TypeRefund),
		credits.WithExternal(SettlementProvider, ev.ExternalID()),
		credits.WithMetadata(holdMetadata(h)),
	)
	return err
}

func holdMetadata(h *Hold) ledger.Metadata {
	md := ledger.Metadata{"hold_id": h.ID}
	if h.EnrollmentID != "" {
		md["enrollment_id"] = h.EnrollmentID
	}
	if h.SessionPurchaseID != "" {
		md["session_purchase_id"] = h.SessionPurchaseID
	}
	return md
}
