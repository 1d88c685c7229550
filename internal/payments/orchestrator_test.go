package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/credits/internal/circuitbreaker"
	"github.com/mbd888/credits/internal/failure"
	"github.com/mbd888/credits/internal/metrics"
)

// fakeProvider is a scriptable Provider.
type fakeProvider struct {
	pay     func(ctx context.Context, req PaymentRequest) (*PaymentResponse, error)
	refund  func(ctx context.Context, req RefundRequest) (*RefundResponse, error)
	status  func(ctx context.Context, id string) (PaymentStatus, error)
	secret  string
	handled []WebhookEvent
}

func (f *fakeProvider) ProcessPayment(ctx context.Context, req PaymentRequest) (*PaymentResponse, error) {
	return f.pay(ctx, req)
}

func (f *fakeProvider) ProcessRefund(ctx context.Context, req RefundRequest) (*RefundResponse, error) {
	return f.refund(ctx, req)
}

func (f *fakeProvider) GetPaymentStatus(ctx context.Context, id string) (PaymentStatus, error) {
	return f.status(ctx, id)
}

func (f *fakeProvider) VerifyWebhook(payload []byte, signature string) bool {
	return signature == f.secret
}

func (f *fakeProvider) HandleWebhook(ctx context.Context, ev WebhookEvent) error {
	f.handled = append(f.handled, ev)
	return nil
}

func validRequest() PaymentRequest {
	return PaymentRequest{
		UserID:   "u1",
		Amount:   decimal.RequireFromString("9.99"),
		Currency: "usd",
		Credits:  decimal.NewFromInt(100),
	}
}

func TestGetProvider_UnknownBeforeRegistration(t *testing.T) {
	o := NewOrchestrator()
	_, err := o.GetProvider("unknown")
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.Equal(t, failure.KindUnknownProvider, failure.KindOf(err))
	assert.Empty(t, o.GetAvailableProviders())

	_, err = o.ProcessPayment(context.Background(), "unknown", validRequest())
	assert.Equal(t, failure.KindUnknownProvider, failure.KindOf(err))
}

func TestRegisterProvider(t *testing.T) {
	o := NewOrchestrator()
	p := &fakeProvider{}

	assert.ErrorIs(t, o.RegisterProvider("", p), ErrInvalidProvider)
	assert.ErrorIs(t, o.RegisterProvider("card", nil), ErrInvalidProvider)
	require.NoError(t, o.RegisterProvider("wallet", p))
	require.NoError(t, o.RegisterProvider("card", p))
	assert.ErrorIs(t, o.RegisterProvider("card", &fakeProvider{}), ErrProviderExists)

	assert.Equal(t, []string{"card", "wallet"}, o.GetAvailableProviders())
	got, err := o.GetProvider("card")
	require.NoError(t, err)
	assert.Same(t, p, got)
}

func TestProcessPayment_ReturnsProviderResponseUnchanged(t *testing.T) {
	want := &PaymentResponse{ID: "pi_1", Provider: "card", Status: StatusRequiresAction, ClientSecret: "sec"}
	var seen PaymentRequest
	o := NewOrchestrator()
	require.NoError(t, o.RegisterProvider("card", &fakeProvider{
		pay: func(ctx context.Context, req PaymentRequest) (*PaymentResponse, error) {
			seen = req
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline, "provider calls are always bounded")
			return want, nil
		},
	}))

	got, err := o.ProcessPayment(context.Background(), "card", validRequest())
	require.NoError(t, err)
	assert.Same(t, want, got)
	assert.Equal(t, "u1", seen.UserID)
}

type recorderFunc func(ctx context.Context, provider string, req PaymentRequest, resp *PaymentResponse) error

func (f recorderFunc) RecordPayment(ctx context.Context, provider string, req PaymentRequest, resp *PaymentResponse) error {
	return f(ctx, provider, req, resp)
}

func TestProcessPayment_RecordsAcceptedPayments(t *testing.T) {
	var recorded []string
	rec := recorderFunc(func(ctx context.Context, provider string, req PaymentRequest, resp *PaymentResponse) error {
		recorded = append(recorded, provider+"/"+resp.ID)
		return errors.New("ledger unavailable")
	})
	o := NewOrchestrator(WithRecorder(rec))
	calls := 0
	require.NoError(t, o.RegisterProvider("card", &fakeProvider{
		pay: func(ctx context.Context, req PaymentRequest) (*PaymentResponse, error) {
			calls++
			if calls > 1 {
				return nil, errors.New("card_declined")
			}
			return &PaymentResponse{ID: "pi_1", Provider: "card", Status: StatusRequiresAction}, nil
		},
	}))

	// A recorder failure does not fail a payment the provider accepted.
	resp, err := o.ProcessPayment(context.Background(), "card", validRequest())
	require.NoError(t, err)
	assert.Equal(t, "pi_1", resp.ID)

	_, err = o.ProcessPayment(context.Background(), "card", validRequest())
	require.Error(t, err)
	assert.Equal(t, []string{"card/pi_1"}, recorded, "rejected payments are not recorded")
}

func TestProcessPayment_RejectsInvalidRequest(t *testing.T) {
	o := NewOrchestrator()
	req := validRequest()
	req.Credits = decimal.Zero
	_, err := o.ProcessPayment(context.Background(), "card", req)
	assert.ErrorIs(t, err, ErrInvalidPayment)
}

func TestProviderErrorsAreWrapped(t *testing.T) {
	declined := errors.New("card_declined")
	o := NewOrchestrator()
	require.NoError(t, o.RegisterProvider("card", &fakeProvider{
		refund: func(ctx context.Context, req RefundRequest) (*RefundResponse, error) {
			return nil, declined
		},
	}))

	_, err := o.ProcessRefund(context.Background(), "card", RefundRequest{PaymentID: "pi_1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrProviderFailure)
	assert.ErrorIs(t, err, declined)
	assert.Equal(t, failure.KindProviderFailure, failure.KindOf(err))

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "card", pe.Provider)
	assert.Equal(t, "process_refund", pe.Op)
}

func TestProviderCallIsBoundedByTimeout(t *testing.T) {
	o := NewOrchestrator(WithTimeout(time.Hour))
	require.NoError(t, o.RegisterProvider("slow", &fakeProvider{
		pay: func(ctx context.Context, req PaymentRequest) (*PaymentResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	req := validRequest()
	req.Timeout = 20 * time.Millisecond
	start := time.Now()
	_, err := o.ProcessPayment(context.Background(), "slow", req)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, failure.KindProviderFailure, failure.KindOf(err))
}

func TestCircuitOpensPerProvider(t *testing.T) {
	boom := errors.New("503")
	o := NewOrchestrator(WithBreaker(circuitbreaker.New(2, time.Hour)))
	calls := 0
	require.NoError(t, o.RegisterProvider("flaky", &fakeProvider{
		status: func(ctx context.Context, id string) (PaymentStatus, error) {
			calls++
			return "", boom
		},
	}))
	require.NoError(t, o.RegisterProvider("healthy", &fakeProvider{
		status: func(ctx context.Context, id string) (PaymentStatus, error) {
			return StatusSucceeded, nil
		},
	}))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := o.GetPaymentStatus(ctx, "flaky", "pi_1")
		assert.ErrorIs(t, err, boom)
	}
	_, err := o.GetPaymentStatus(ctx, "flaky", "pi_1")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, failure.KindProviderFailure, failure.KindOf(err))
	assert.Equal(t, 2, calls, "open circuit does not call the provider")

	status, err := o.GetPaymentStatus(ctx, "healthy", "pi_1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, status)

	assert.Equal(t, []string{"flaky"}, o.OpenCircuits())
	assert.Eventually(t, func() bool {
		m := &dto.Metric{}
		g, err := metrics.ProviderCircuitOpen.GetMetricWithLabelValues("flaky")
		if err != nil || g.Write(m) != nil {
			return false
		}
		return m.GetGauge().GetValue() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHandleWebhook_VerifiesSignature(t *testing.T) {
	p := &fakeProvider{secret: "good"}
	o := NewOrchestrator()
	require.NoError(t, o.RegisterProvider("card", p))
	ctx := context.Background()

	ok, err := o.VerifyWebhook("card", []byte("{}"), "bad")
	require.NoError(t, err)
	assert.False(t, ok)

	err = o.HandleWebhook(ctx, "card", WebhookEvent{Payload: []byte("{}"), Signature: "bad"})
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Empty(t, p.handled)

	require.NoError(t, o.HandleWebhook(ctx, "card", WebhookEvent{Payload: []byte("{}"), Signature: "good"}))
	assert.Len(t, p.handled, 1)

	_, err = o.VerifyWebhook("nope", nil, "")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
