package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/credits/internal/auth"
	"github.com/mbd888/credits/internal/config"
	"github.com/mbd888/credits/internal/payments"
)

const testSecret = "admin-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

// signedProvider treats the signature header as valid when it equals
// "ok" and credits the JSON body's user.
type signedProvider struct {
	sink payments.EventSink
}

func (p *signedProvider) ProcessPayment(ctx context.Context, req payments.PaymentRequest) (*payments.PaymentResponse, error) {
	return &payments.PaymentResponse{ID: "pay_test", Provider: "test", Status: payments.StatusPending, Amount: req.Amount}, nil
}

func (p *signedProvider) ProcessRefund(ctx context.Context, req payments.RefundRequest) (*payments.RefundResponse, error) {
	return &payments.RefundResponse{ID: "re_test", PaymentID: req.PaymentID, Status: payments.StatusRefunded}, nil
}

func (p *signedProvider) GetPaymentStatus(ctx context.Context, id string) (payments.PaymentStatus, error) {
	return payments.StatusSucceeded, nil
}

func (p *signedProvider) VerifyWebhook(payload []byte, signature string) bool {
	return signature == "ok"
}

func (p *signedProvider) HandleWebhook(ctx context.Context, ev payments.WebhookEvent) error {
	var body struct {
		PaymentID string `json:"paymentId"`
		UserID    string `json:"userId"`
		Credits   string `json:"credits"`
	}
	if err := json.Unmarshal(ev.Payload, &body); err != nil {
		return payments.ErrInvalidPayment
	}
	amount, err := decimal.NewFromString(body.Credits)
	if err != nil {
		return payments.ErrInvalidPayment
	}
	return p.sink.HandlePaymentEvent(ctx, payments.PaymentEvent{
		Kind:      payments.EventPaymentSucceeded,
		Provider:  "test",
		EventID:   "evt_" + body.PaymentID,
		PaymentID: body.PaymentID,
		UserID:    body.UserID,
		Credits:   amount,
		Amount:    amount,
		Currency:  "usd",
	})
}

// lateSink lets the provider be built before the server's fulfiller exists.
type lateSink struct{ s *Server }

func (l *lateSink) HandlePaymentEvent(ctx context.Context, ev payments.PaymentEvent) error {
	return l.s.fulfiller.HandlePaymentEvent(ctx, ev)
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "test",
		LogLevel:              "error",
		Currency:              "credits",
		ProviderTimeout:       time.Second,
		BreakerThreshold:      5,
		BreakerOpenDuration:   time.Minute,
		SettlementInterval:    time.Hour,
		SettlementMaxAttempts: 3,
		ReconcileInterval:     time.Hour,
		AdminSecret:           testSecret,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	sink := &lateSink{}
	s, err := New(testConfig(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithProvider("test", &signedProvider{sink: sink}),
	)
	require.NoError(t, err)
	sink.s = s
	s.drainDelay = 0
	return s
}

func request(t *testing.T, s *Server, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

var admin = map[string]string{auth.HeaderAdminSecret: testSecret}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w, body := request(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])

	names := []string{}
	for _, sub := range body["subsystems"].([]any) {
		names = append(names, sub.(map[string]any)["name"].(string))
	}
	assert.Contains(t, names, "payment_providers")

	w, _ = request(t, s, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run has started the listener.
	w, _ = request(t, s, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	request(t, s, http.MethodGet, "/health", nil, nil)

	w, _ := request(t, s, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "credits_http_requests_total")
}

func TestRequestIDAndSecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	w, _ := request(t, s, http.MethodGet, "/health", nil, map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	w, _ = request(t, s, http.MethodGet, "/health", nil, nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	w, _ := request(t, s, http.MethodPost, "/v1/users", map[string]any{"userId": "u1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = request(t, s, http.MethodPost, "/v1/users", map[string]any{"userId": "u1"}, admin)
	assert.Equal(t, http.StatusCreated, w.Code)
}

// A student buys credits, books a session held for a teacher, and the
// booking is cancelled: the student ends where they would have without the
// booking and the ledger reconciles.
func TestPurchaseBookCancelReconciles(t *testing.T) {
	s := newTestServer(t)

	for _, u := range []string{"student", "teacher"} {
		w, _ := request(t, s, http.MethodPost, "/v1/users", map[string]any{"userId": u}, admin)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	// The purchase is pending until the provider confirms it.
	w, _ := request(t, s, http.MethodPost, "/v1/payments/test",
		map[string]any{"userId": "student", "amount": "6", "currency": "usd", "credits": "60"}, admin)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w, body := request(t, s, http.MethodGet, "/v1/users/student/balance", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", body["balance"])

	w, _ = request(t, s, http.MethodPost, "/v1/webhooks/test",
		`{"paymentId":"pay_test","userId":"student","credits":"60"}`, map[string]string{"X-Webhook-Signature": "ok"})
	require.Equal(t, http.StatusOK, w.Code)
	w, body = request(t, s, http.MethodGet, "/v1/users/student/transactions", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
	purchase := body["transactions"].([]any)[0].(map[string]any)
	assert.Equal(t, "completed", purchase["status"])
	assert.Equal(t, "60", purchase["balanceAfter"])

	w, body = request(t, s, http.MethodPost, "/v1/users/student/deductions", map[string]any{"amount": "45"}, admin)
	require.Equal(t, http.StatusCreated, w.Code)
	dedID := body["transaction"].(map[string]any)["id"].(string)

	w, body = request(t, s, http.MethodPost, "/v1/holds", map[string]any{
		"sessionPurchaseId": "sp_1",
		"deductionTxId":     dedID,
		"teacherId":         "teacher",
		"studentId":         "student",
		"amount":            "45",
	}, admin)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	holdID := body["hold"].(map[string]any)["id"].(string)

	w, _ = request(t, s, http.MethodPost, "/v1/holds/"+holdID+"/cancel", map[string]any{"reason": "teacher unavailable"}, admin)
	require.Equal(t, http.StatusOK, w.Code)

	w, body = request(t, s, http.MethodGet, "/v1/users/student/balance", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", body["balance"])

	w, body = request(t, s, http.MethodGet, "/v1/transactions/"+dedID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "refunded", body["transaction"].(map[string]any)["status"])

	w, body = request(t, s, http.MethodPost, "/v1/reconciliation", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	report := body["report"].(map[string]any)
	assert.Equal(t, true, report["healthy"])
	assert.EqualValues(t, 2, report["accountsChecked"])

	w, _ = request(t, s, http.MethodPost, "/v1/settlements/dispatch", nil, admin)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStripeProviderRegisteredWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.StripeSecretKey = "sk_test_123"
	cfg.StripeWebhookSecret = "whsec_123"

	s, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	assert.Equal(t, []string{"stripe"}, s.payments.GetAvailableProviders())
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t)
	assert.NoError(t, s.Shutdown())
}

func TestProviderHealth(t *testing.T) {
	assert.True(t, providerHealth(0, nil).Healthy)

	st := providerHealth(2, []string{"stripe"})
	assert.True(t, st.Healthy, "one provider down is degraded, not unhealthy")
	assert.Equal(t, "circuit open: stripe", st.Detail)

	st = providerHealth(1, []string{"stripe"})
	assert.False(t, st.Healthy)
	assert.Equal(t, "payment_providers", st.Name)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://credits:%2A%2A%2A@db:5432/credits", maskDSN("postgres://credits:hunter2@db:5432/credits"))
	assert.Equal(t, "***", maskDSN("::not a url"))
}
