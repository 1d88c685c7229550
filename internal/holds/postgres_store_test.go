//go:build integration

package holds

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/credits/internal/credits"
	"github.com/mbd888/credits/internal/ledger"
	"github.com/mbd888/credits/internal/refunds"
	"github.com/mbd888/credits/internal/testutil"
	"github.com/mbd888/credits/internal/transactions"
)

type pgFixture struct {
	store   *PostgresStore
	credits *credits.Manager
	txs     *transactions.Manager
	holds   *Manager
}

func setupPostgres(t *testing.T) *pgFixture {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	ledgerStore := ledger.NewPostgresStore(db)
	f := &pgFixture{
		store:   NewPostgresStore(db),
		credits: credits.NewManager(ledgerStore),
		txs:     transactions.NewManager(ledgerStore),
	}
	dispatcher := NewDispatcher(f.store, f.credits, refunds.NewManager(f.credits), f.txs, DispatcherConfig{})
	f.holds = NewManager(f.store, dispatcher, f.txs)

	ctx := context.Background()
	_, err := f.credits.OpenAccount(ctx, "student", d("100"))
	require.NoError(t, err)
	_, err = f.credits.OpenAccount(ctx, "teacher", d("0"))
	require.NoError(t, err)
	return f
}

func TestPostgres_ReleaseAndCancel(t *testing.T) {
	ctx := context.Background()
	f := setupPostgres(t)

	ded, err := f.credits.DeductCredits(ctx, "student", d("50"), "booking", nil)
	require.NoError(t, err)
	h, err := f.holds.CreateHold(ctx, CreateRequest{
		EnrollmentID: "enr_1", DeductionTxID: ded.ID,
		TeacherID: "teacher", StudentID: "student", Amount: d("50"), Notes: "piano",
	})
	require.NoError(t, err)

	got, err := f.holds.GetHold(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, got.Status)
	assert.Equal(t, "piano", got.Notes)
	assert.True(t, got.ReleasePercentage.Equal(d("100")))

	released, err := f.holds.ReleaseHold(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, released.Status)
	assert.NotNil(t, released.ReleasedAt)

	_, err = f.holds.ReleaseHold(ctx, h.ID)
	assert.ErrorIs(t, err, ErrNotHeld)
	_, err = f.holds.CancelHold(ctx, "hold_missing", "")
	assert.ErrorIs(t, err, ErrHoldNotFound)

	teacher, err := f.credits.GetBalance(ctx, "teacher")
	require.NoError(t, err)
	assert.True(t, teacher.Equal(d("50")))

	ev, err := f.store.GetSettlement(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, SettlementDelivered, ev.Status)

	ded2, err := f.credits.DeductCredits(ctx, "student", d("20"), "booking", nil)
	require.NoError(t, err)
	h2, err := f.holds.CreateHold(ctx, CreateRequest{
		SessionPurchaseID: "sp_1", DeductionTxID: ded2.ID,
		TeacherID: "teacher", StudentID: "student", Amount: d("20"),
	})
	require.NoError(t, err)
	_, err = f.holds.CancelHold(ctx, h2.ID, "no show")
	require.NoError(t, err)

	student, err := f.credits.GetBalance(ctx, "student")
	require.NoError(t, err)
	assert.True(t, student.Equal(d("50")))
	orig, err := f.txs.GetTransaction(ctx, ded2.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRefunded, orig.Status)

	list, err := f.holds.ListByTeacher(ctx, "teacher", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, h2.ID, list[0].ID)
}

func TestPostgres_ConcurrentReleaseSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := setupPostgres(t)

	h, err := f.holds.CreateHold(ctx, CreateRequest{
		EnrollmentID: "enr_1", TeacherID: "teacher", StudentID: "student", Amount: d("10"),
	})
	require.NoError(t, err)

	const n = 10
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := f.holds.ReleaseHold(ctx, h.ID)
			if err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrNotHeld) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	teacher, err := f.credits.GetBalance(ctx, "teacher")
	require.NoError(t, err)
	assert.True(t, teacher.Equal(d("10")))
}

func TestPostgres_ClaimRetryAck(t *testing.T) {
	ctx := context.Background()
	f := setupPostgres(t)

	h, err := f.holds.CreateHold(ctx, CreateRequest{
		EnrollmentID: "enr_1", TeacherID: "teacher", StudentID: "student", Amount: d("10"),
	})
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	ev := &SettlementEvent{
		ID: "stl_test", HoldID: h.ID, Kind: KindPayout, Status: SettlementPending,
		NextAttemptAt: now, CreatedAt: now, UpdatedAt: now,
	}
	_, err = f.store.Transition(ctx, h.ID, StatusReleased, now, ev)
	require.NoError(t, err)

	claimed, err := f.store.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, SettlementProcessing, claimed[0].Status)

	again, err := f.store.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed event is leased")

	require.NoError(t, f.store.Retry(ctx, ev.ID, errors.New("boom"), now.Add(time.Second), now))
	got, err := f.store.GetSettlement(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, SettlementPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "boom", got.LastError)

	claimed, err = f.store.ClaimDue(ctx, now.Add(time.Second), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, f.store.Ack(ctx, ev.ID, now))
	got, err = f.store.GetSettlement(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, SettlementDelivered, got.Status)
	assert.Empty(t, got.LastError)

	assert.ErrorIs(t, f.store.Ack(ctx, "stl_missing", now), ErrSettlementNotFound)
}

func TestPostgres_DeductionBacksOneHold(t *testing.T) {
	ctx := context.Background()
	f := setupPostgres(t)

	ded, err := f.credits.DeductCredits(ctx, "student", d("100"), "booking", nil)
	require.NoError(t, err)
	req := CreateRequest{
		EnrollmentID: "enr_1", DeductionTxID: ded.ID,
		TeacherID: "teacher", StudentID: "student", Amount: d("50"),
	}
	first, err := f.holds.CreateHold(ctx, req)
	require.NoError(t, err)

	req.EnrollmentID = "enr_2"
	_, err = f.holds.CreateHold(ctx, req)
	assert.ErrorIs(t, err, ErrDeductionInUse)

	// The unique index holds even when the ledger check is bypassed.
	now := time.Now().UTC()
	err = f.store.Create(ctx, &Hold{
		ID: "hold_dup", EnrollmentID: "enr_3", DeductionTxID: ded.ID,
		TeacherID: "teacher", StudentID: "student", Amount: d("10"),
		ReleasePercentage: d("100"), Status: StatusHeld, HeldAt: now, UpdatedAt: now,
	})
	assert.ErrorIs(t, err, ErrDeductionInUse)

	_, err = refunds.NewManager(f.credits).ProcessRefund(ctx, ded.ID, nil, "manual")
	assert.ErrorIs(t, err, ledger.ErrEarmarked)

	_, err = f.holds.CancelHold(ctx, first.ID, "")
	require.NoError(t, err)
	student, err := f.credits.GetBalance(ctx, "student")
	require.NoError(t, err)
	assert.True(t, student.Equal(d("50")))
}
