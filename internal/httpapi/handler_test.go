package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/credits/internal/auth"
	"github.com/mbd888/credits/internal/credits"
	"github.com/mbd888/credits/internal/holds"
	"github.com/mbd888/credits/internal/ledger"
	"github.com/mbd888/credits/internal/payments"
	"github.com/mbd888/credits/internal/refunds"
	"github.com/mbd888/credits/internal/transactions"
)

const adminSecret = "test-secret"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeProvider accepts webhooks signed "sig-ok" whose body is a JSON
// payment event.
type fakeProvider struct {
	sink payments.EventSink
}

type fakeEvent struct {
	ID        string `json:"id"`
	PaymentID string `json:"paymentId"`
	UserID    string `json:"userId"`
	Credits   string `json:"credits"`
}

func (p *fakeProvider) ProcessPayment(ctx context.Context, req payments.PaymentRequest) (*payments.PaymentResponse, error) {
	return &payments.PaymentResponse{ID: "pay_1", Provider: "card", Status: payments.StatusRequiresAction, Amount: req.Amount, Currency: req.Currency}, nil
}

func (p *fakeProvider) ProcessRefund(ctx context.Context, req payments.RefundRequest) (*payments.RefundResponse, error) {
	return &payments.RefundResponse{ID: "re_1", PaymentID: req.PaymentID, Status: payments.StatusRefunded}, nil
}

func (p *fakeProvider) GetPaymentStatus(ctx context.Context, id string) (payments.PaymentStatus, error) {
	return payments.StatusSucceeded, nil
}

func (p *fakeProvider) VerifyWebhook(payload []byte, signature string) bool {
	return signature == "sig-ok"
}

func (p *fakeProvider) HandleWebhook(ctx context.Context, ev payments.WebhookEvent) error {
	var fe fakeEvent
	if err := json.Unmarshal(ev.Payload, &fe); err != nil {
		return payments.ErrInvalidPayment
	}
	return p.sink.HandlePaymentEvent(ctx, payments.PaymentEvent{
		Kind:      payments.EventPaymentSucceeded,
		Provider:  "card",
		EventID:   fe.ID,
		PaymentID: fe.PaymentID,
		UserID:    fe.UserID,
		Credits:   d(fe.Credits),
		Amount:    d(fe.Credits),
		Currency:  "usd",
	})
}

type apiFixture struct {
	router       *gin.Engine
	credits      *credits.Manager
	transactions *transactions.Manager
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := ledger.NewMemoryStore()
	cm := credits.NewManager(store)
	tm := transactions.NewManager(store)
	rm := refunds.NewManager(cm)
	holdStore := holds.NewMemoryStore()
	dispatcher := holds.NewDispatcher(holdStore, cm, rm, tm, holds.DefaultDispatcherConfig())
	hm := holds.NewManager(holdStore, dispatcher, tm)
	fulfiller := payments.NewFulfiller(cm, tm)
	orch := payments.NewOrchestrator(payments.WithTimeout(time.Second), payments.WithRecorder(fulfiller))
	require.NoError(t, orch.RegisterProvider("card", &fakeProvider{sink: fulfiller}))

	h := NewHandler(cm, tm, rm, hm, orch)
	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterWebhookRoutes(v1)
	admin := v1.Group("", auth.RequireAdmin(auth.NewAdminGuard(adminSecret)))
	h.RegisterAdminRoutes(admin)

	ctx := context.Background()
	_, err := cm.OpenAccount(ctx, "student", d("100"))
	require.NoError(t, err)
	_, err = cm.OpenAccount(ctx, "teacher", d("0"))
	require.NoError(t, err)
	return &apiFixture{router: r, credits: cm, transactions: tm}
}

type call struct {
	method  string
	path    string
	body    any
	admin   bool
	headers map[string]string
}

func (f *apiFixture) do(t *testing.T, c call) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	switch b := c.body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.admin {
		req.Header.Set(auth.HeaderAdminSecret, adminSecret)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func (f *apiFixture) balance(t *testing.T, user string) decimal.Decimal {
	t.Helper()
	b, err := f.credits.GetBalance(context.Background(), user)
	require.NoError(t, err)
	return b
}

func field(t *testing.T, m map[string]any, key string) map[string]any {
	t.Helper()
	v, ok := m[key].(map[string]any)
	require.True(t, ok, "missing %q in %v", key, m)
	return v
}

func TestGetBalance(t *testing.T) {
	f := newAPI(t)

	w, body := f.do(t, call{method: http.MethodGet, path: "/v1/users/student/balance"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100", body["balance"])

	w, body = f.do(t, call{method: http.MethodGet, path: "/v1/users/nobody/balance"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["error"])
}

func TestListTransactionsPaginatesPublicViews(t *testing.T) {
	f := newAPI(t)
	for _, amt := range []string{"1", "2", "3"} {
		w, _ := f.do(t, call{method: http.MethodPost, path: "/v1/users/student/credits", admin: true,
			body: map[string]any{"amount": amt, "metadata": map[string]any{"secret": "x"}}})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w, body := f.do(t, call{method: http.MethodGet, path: "/v1/users/student/transactions?limit=2"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["count"])
	assert.NotContains(t, w.Body.String(), "secret")
	cursor, ok := body["nextCursor"].(string)
	require.True(t, ok)

	txs := body["transactions"].([]any)
	assert.Equal(t, "3", txs[0].(map[string]any)["amount"], "newest first")

	w, body = f.do(t, call{method: http.MethodGet, path: "/v1/users/student/transactions?limit=2&cursor=" + cursor})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
	assert.NotContains(t, body, "nextCursor")

	w, _ = f.do(t, call{method: http.MethodGet, path: "/v1/users/student/transactions?cursor=%25%25"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTransactionNotFound(t *testing.T) {
	f := newAPI(t)
	w, body := f.do(t, call{method: http.MethodGet, path: "/v1/transactions/tx_missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["error"])
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	f := newAPI(t)
	w, _ := f.do(t, call{method: http.MethodPost, path: "/v1/users/student/deductions", body: map[string]any{"amount": "1"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.True(t, f.balance(t, "student").Equal(d("100")))
}

func TestOpenAccount(t *testing.T) {
	f := newAPI(t)

	w, body := f.do(t, call{method: http.MethodPost, path: "/v1/users", admin: true,
		body: map[string]any{"userId": "new_user", "openingBalance": "5"}})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "5", field(t, body, "account")["creditBalance"])

	w, _ = f.do(t, call{method: http.MethodPost, path: "/v1/users", admin: true,
		body: map[string]any{"userId": "new_user"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeductInsufficientCredits(t *testing.T) {
	f := newAPI(t)
	w, body := f.do(t, call{method: http.MethodPost, path: "/v1/users/student/deductions", admin: true,
		body: map[string]any{"amount": "150"}})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "insufficient_credits", body["error"])
	assert.True(t, f.balance(t, "student").Equal(d("100")))
}

func TestDeductIdempotencyKeyChargesOnce(t *testing.T) {
	f := newAPI(t)
	key := map[string]string{HeaderIdempotencyKey: "deduct-1"}
	req := call{method: http.MethodPost, path: "/v1/users/student/deductions", admin: true, headers: key,
		body: map[string]any{"amount": "30", "description": "booking"}}

	w, body := f.do(t, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := field(t, body, "transaction")["id"]
	assert.Empty(t, w.Header().Get(HeaderIdempotentReplay))
	assert.True(t, f.balance(t, "student").Equal(d("70")))

	w, body = f.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get(HeaderIdempotentReplay))
	assert.Equal(t, first, field(t, body, "transaction")["id"])
	assert.True(t, f.balance(t, "student").Equal(d("70")))

	// A different key is a different deduction.
	req.headers = map[string]string{HeaderIdempotencyKey: "deduct-2"}
	w, _ = f.do(t, req)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, f.balance(t, "student").Equal(d("40")))
}

func TestValidationErrorEnvelope(t *testing.T) {
	f := newAPI(t)
	w, body := f.do(t, call{method: http.MethodPost, path: "/v1/users/student/deductions", admin: true,
		body: map[string]any{"amount": "0.0000001"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, TextCodeValidation, body["error"])
	assert.Contains(t, field(t, body, "details"), "fields")

	w, body = f.do(t, call{method: http.MethodPost, path: "/v1/users/student/deductions", admin: true, body: "{not json"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", body["error"])
}

func TestRefundFlow(t *testing.T) {
	f := newAPI(t)
	w, body := f.do(t, call{method: http.MethodPost, path: "/v1/users/student/deductions", admin: true,
		body: map[string]any{"amount": "40", "description": "booking"}})
	require.Equal(t, http.StatusCreated, w.Code)
	txID := field(t, body, "transaction")["id"].(string)

	path := "/v1/transactions/" + txID + "/refund"
	key := map[string]string{HeaderIdempotencyKey: "refund-1"}

	w, body = f.do(t, call{method: http.MethodPost, path: path, admin: true, headers: key,
		body: map[string]any{"amount": "15", "reason": "partial"}})
	require.Equal(t, http.StatusCreated, w.Code)
	refundID := field(t, body, "refund")["id"]
	assert.True(t, f.balance(t, "student").Equal(d("75")))

	// Same key: the first refund comes back, nothing moves.
	w, body = f.do(t, call{method: http.MethodPost, path: path, admin: true, headers: key,
		body: map[string]any{"amount": "15"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get(HeaderIdempotentReplay))
	assert.Equal(t, refundID, field(t, body, "refund")["id"])
	assert.True(t, f.balance(t, "student").Equal(d("75")))

	// The original is now refunded; another refund is a state conflict.
	w, body = f.do(t, call{method: http.MethodPost, path: path, admin: true})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", body["error"])
	assert.True(t, f.balance(t, "student").Equal(d("75")))
}

func TestUpdateTransactionStatusRejectsIllegalTransition(t *testing.T) {
	f := newAPI(t)
	w, body := f.do(t, call{method: http.MethodPost, path: "/v1/users/student/deductions", admin: true,
		body: map[string]any{"amount": "1"}})
	require.Equal(t, http.StatusCreated, w.Code)
	txID := field(t, body, "transaction")["id"].(string)

	w, _ = f.do(t, call{method: http.MethodPost, path: "/v1/transactions/" + txID + "/status", admin: true,
		body: map[string]any{"status": "completed"}})
	assert.Equal(t, http.StatusOK, w.Code, "same status is a no-op")

	w, body = f.do(t, call{method: http.MethodPost, path: "/v1/transactions/" + txID + "/status", admin: true,
		body: map[string]any{"status": "refunded"}})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", body["error"])
}

func TestHoldLifecycle(t *testing.T) {
	f := newAPI(t)
	w, body := f.do(t, call{method: http.MethodPost, path: "/v1/users/student/deductions", admin: true,
		body: map[string]any{"amount": "50"}})
	require.Equal(t, http.StatusCreated, w.Code)
	dedID := field(t, body, "transaction")["id"].(string)

	w, body = f.do(t, call{method: http.MethodPost, path: "/v1/holds", admin: true, body: map[string]any{
		"enrollmentId":      "enr_1",
		"deductionTxId":     dedID,
		"teacherId":         "teacher",
		"studentId":         "student",
		"amount":            "50",
		"releasePercentage": "80",
	}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	holdID := field(t, body, "hold")["id"].(string)

	w, body = f.do(t, call{method: http.MethodPost, path: "/v1/holds/" + holdID + "/release", admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "released", field(t, body, "hold")["status"])
	assert.True(t, f.balance(t, "teacher").Equal(d("40")))

	w, body = f.do(t, call{method: http.MethodGet, path: "/v1/holds/" + holdID + "/settlement", admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "delivered", field(t, body, "settlement")["status"])

	w, body = f.do(t, call{method: http.MethodPost, path: "/v1/holds/" + holdID + "/cancel", admin: true})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", body["error"])
	assert.True(t, f.balance(t, "student").Equal(d("50")))

	w, body = f.do(t, call{method: http.MethodGet, path: "/v1/users/teacher/holds?role=teacher", admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, _ = f.do(t, call{method: http.MethodGet, path: "/v1/users/teacher/holds?role=owner", admin: true})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, call{method: http.MethodGet, path: "/v1/holds/hold_missing", admin: true})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookCreditsOnce(t *testing.T) {
	f := newAPI(t)
	payload := `{"id":"evt_1","paymentId":"pay_1","userId":"student","credits":"25"}`
	sig := map[string]string{"X-Webhook-Signature": "sig-ok"}

	w, _ := f.do(t, call{method: http.MethodPost, path: "/v1/webhooks/card", body: payload, headers: sig})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.balance(t, "student").Equal(d("125")))

	// Redelivery is acknowledged without a second credit.
	w, _ = f.do(t, call{method: http.MethodPost, path: "/v1/webhooks/card", body: payload, headers: sig})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.balance(t, "student").Equal(d("125")))
}

func TestWebhookRejections(t *testing.T) {
	f := newAPI(t)
	payload := `{"id":"evt_1","paymentId":"pay_1","userId":"student","credits":"25"}`

	w, body := f.do(t, call{method: http.MethodPost, path: "/v1/webhooks/card", body: payload,
		headers: map[string]string{"X-Webhook-Signature": "forged"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", body["error"])

	w, body = f.do(t, call{method: http.MethodPost, path: "/v1/webhooks/paypal", body: payload,
		headers: map[string]string{"X-Webhook-Signature": "sig-ok"}})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "unknown_provider", body["error"])

	assert.True(t, f.balance(t, "student").Equal(d("100")))
}

func TestPaymentRoutes(t *testing.T) {
	f := newAPI(t)

	w, body := f.do(t, call{method: http.MethodPost, path: "/v1/payments/card", admin: true,
		body: map[string]any{"userId": "student", "amount": "9.99", "currency": "usd", "credits": "100"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "pay_1", field(t, body, "payment")["id"])
	assert.True(t, f.balance(t, "student").Equal(d("100")), "credits wait for the webhook")

	pending, err := f.transactions.FindByExternalID(context.Background(), "card", "pay_1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, ledger.StatusPending, pending.Status)
	assert.True(t, pending.Amount.Equal(d("100")))

	// The webhook completes the pending purchase; a redelivery changes nothing.
	payload := `{"id":"evt_1","paymentId":"pay_1","userId":"student","credits":"100"}`
	sig := map[string]string{"X-Webhook-Signature": "sig-ok"}
	for range 2 {
		w, _ = f.do(t, call{method: http.MethodPost, path: "/v1/webhooks/card", body: payload, headers: sig})
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, f.balance(t, "student").Equal(d("200")))
	}
	done, err := f.transactions.FindByExternalID(context.Background(), "card", "pay_1")
	require.NoError(t, err)
	assert.Equal(t, pending.ID, done.ID)
	assert.Equal(t, ledger.StatusCompleted, done.Status)
	assert.True(t, done.BalanceBefore.Equal(d("100")))
	assert.True(t, done.BalanceAfter.Equal(d("200")))

	w, body = f.do(t, call{method: http.MethodGet, path: "/v1/payments/card/pay_1", admin: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "succeeded", body["status"])

	w, body = f.do(t, call{method: http.MethodPost, path: "/v1/payments/card/pay_1/refund", admin: true})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "re_1", field(t, body, "refund")["id"])

	w, body = f.do(t, call{method: http.MethodGet, path: "/v1/providers"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"card"}, body["providers"])
}
