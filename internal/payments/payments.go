// Package payments routes payment operations to named external providers
// and turns their webhook notifications into ledger credits.
//
// Each provider (card network, regional gateway, wallet) implements the one
// Provider interface and is registered with the Orchestrator under a name.
// Providers report what happened on their side as PaymentEvents to an
// EventSink; the Fulfiller is the sink that credits users.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/credits/internal/failure"
)

var (
	ErrUnknownProvider   = failure.New(failure.ErrUnknownProvider, "payment provider not registered")
	ErrProviderExists    = failure.New(failure.ErrBadRequest, "payment provider already registered")
	ErrInvalidProvider   = failure.New(failure.ErrBadRequest, "provider name and implementation are required")
	ErrInvalidSignature  = failure.New(failure.ErrBadRequest, "webhook signature verification failed")
	ErrInvalidPayment    = failure.New(failure.ErrBadRequest, "payment amount and user are required")
	ErrUnsupportedEvent  = failure.New(failure.ErrBadRequest, "unsupported payment event")
	ErrMissingPaymentRef = failure.New(failure.ErrBadRequest, "payment id is required")
)

// PaymentStatus is a provider-neutral payment state.
type PaymentStatus string

const (
	StatusPending        PaymentStatus = "pending"
	StatusRequiresAction PaymentStatus = "requires_action"
	StatusSucceeded      PaymentStatus = "succeeded"
	StatusFailed         PaymentStatus = "failed"
	StatusCancelled      PaymentStatus = "cancelled"
	StatusRefunded       PaymentStatus = "refunded"
)

// PaymentRequest asks a provider to charge a user for a credit purchase.
type PaymentRequest struct {
	UserID      string            `json:"userId"`
	Amount      decimal.Decimal   `json:"amount"`   // money charged, in major units
	Currency    string            `json:"currency"` // ISO 4217, lower case
	Credits     decimal.Decimal   `json:"credits"`  // credits granted when the payment succeeds
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	// IdempotencyKey is passed to providers that support it.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	// Timeout bounds the provider call. Zero uses the orchestrator default.
	Timeout time.Duration `json:"-"`
}

// Validate checks the fields every provider needs.
func (r PaymentRequest) Validate() error {
	if r.UserID == "" || !r.Amount.IsPositive() || !r.Credits.IsPositive() {
		return ErrInvalidPayment
	}
	return nil
}

// PaymentResponse is the provider's answer, returned to the caller unchanged.
type PaymentResponse struct {
	ID           string          `json:"id"`
	Provider     string          `json:"provider"`
	Status       PaymentStatus   `json:"status"`
	ClientSecret string          `json:"clientSecret,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
}

// RefundRequest asks a provider to return money for a payment. A nil
// Amount refunds the whole payment.
type RefundRequest struct {
	PaymentID string           `json:"paymentId"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Timeout   time.Duration    `json:"-"`
}

// RefundResponse is the provider's refund answer.
type RefundResponse struct {
	ID        string          `json:"id"`
	PaymentID string          `json:"paymentId"`
	Status    PaymentStatus   `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
}

// WebhookEvent is a raw notification as delivered by the provider.
type WebhookEvent struct {
	Payload    []byte
	Signature  string
	ReceivedAt time.Time
}

// Provider is the capability set every payment provider implements.
type Provider interface {
	ProcessPayment(ctx context.Context, req PaymentRequest) (*PaymentResponse, error)
	ProcessRefund(ctx context.Context, req RefundRequest) (*RefundResponse, error)
	GetPaymentStatus(ctx context.Context, paymentID string) (PaymentStatus, error)
	VerifyWebhook(payload []byte, signature string) bool
	HandleWebhook(ctx context.Context, event WebhookEvent) error
}

// EventKind classifies a PaymentEvent.
type EventKind string

const (
	EventPaymentSucceeded EventKind = "payment_succeeded"
	EventPaymentFailed    EventKind = "payment_failed"
	EventRefundSucceeded  EventKind = "refund_succeeded"
)

// PaymentEvent is a provider-neutral account of something that happened
// at the provider.
type PaymentEvent struct {
	Kind      EventKind
	Provider  string
	EventID   string // provider's event id
	PaymentID string // provider's payment id; the idempotency key for fulfillment
	UserID    string
	Credits   decimal.Decimal
	Amount    decimal.Decimal
	Currency  string
	Reason    string
}

// EventSink receives PaymentEvents from providers.
type EventSink interface {
	HandlePaymentEvent(ctx context.Context, ev PaymentEvent) error
}

// ProviderError wraps an error returned by a provider. It matches
// failure.ErrProviderFailure and still unwraps to the provider's own error.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	return []error{failure.ErrProviderFailure, e.Err}
}

func wrapProviderError(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: provider, Op: op, Err: err}
}
