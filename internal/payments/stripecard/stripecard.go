// Package stripecard is the card-network payment provider, backed by
// Stripe PaymentIntents.
package stripecard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/credits/internal/failure"
	"github.com/mbd888/credits/internal/logging"
	"github.com/mbd888/credits/internal/payments"
)

// Name is the default registration name.
const Name = "stripe"

const (
	metaUserID  = "user_id"
	metaCredits = "credits"
)

var ErrMalformedEvent = failure.New(failure.ErrBadRequest, "stripe event is missing user or credits metadata")

// intentAPI is the part of the PaymentIntents client the provider uses.
type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// refundAPI is the part of the Refunds client the provider uses.
type refundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// Config holds Stripe credentials.
type Config struct {
	SecretKey     string
	WebhookSecret string
	// Tolerance is the maximum webhook signature age. Zero uses Stripe's default.
	Tolerance time.Duration
}

// Provider implements payments.Provider on Stripe.
type Provider struct {
	intents   intentAPI
	refunds   refundAPI
	secret    string
	tolerance time.Duration
	sink      payments.EventSink
}

// New creates a Stripe provider that reports webhook outcomes to sink.
func New(cfg Config, sink payments.EventSink) *Provider {
	sc := &client.API{}
	sc.Init(cfg.SecretKey, nil)
	return newProvider(cfg, sc.PaymentIntents, sc.Refunds, sink)
}

func newProvider(cfg Config, intents intentAPI, refunds refundAPI, sink payments.EventSink) *Provider {
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Provider{
		intents:   intents,
		refunds:   refunds,
		secret:    cfg.WebhookSecret,
		tolerance: tolerance,
		sink:      sink,
	}
}

// ProcessPayment creates a PaymentIntent. The client confirms it with the
// returned client secret; the credit is granted on payment_intent.succeeded.
func (p *Provider) ProcessPayment(ctx context.Context, req payments.PaymentRequest) (*payments.PaymentResponse, error) {
	currency := strings.ToLower(req.Currency)
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toMinor(req.Amount, currency)),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata(metaUserID, req.UserID)
	params.AddMetadata(metaCredits, req.Credits.String())
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.Context = ctx

	pi, err := p.intents.New(params)
	if err != nil {
		return nil, err
	}
	return &payments.PaymentResponse{
		ID:           pi.ID,
		Provider:     Name,
		Status:       intentStatus(pi.Status),
		ClientSecret: pi.ClientSecret,
		Amount:       fromMinor(pi.Amount, string(pi.Currency)),
		Currency:     string(pi.Currency),
	}, nil
}

// ProcessRefund refunds a PaymentIntent in full or in part.
func (p *Provider) ProcessRefund(ctx context.Context, req payments.RefundRequest) (*payments.RefundResponse, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(req.PaymentID)}
	if req.Amount != nil {
		pi, err := p.intents.Get(req.PaymentID, &stripe.PaymentIntentParams{Params: stripe.Params{Context: ctx}})
		if err != nil {
			return nil, err
		}
		params.Amount = stripe.Int64(toMinor(*req.Amount, string(pi.Currency)))
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	params.Context = ctx

	r, err := p.refunds.New(params)
	if err != nil {
		return nil, err
	}
	return &payments.RefundResponse{
		ID:        r.ID,
		PaymentID: req.PaymentID,
		Status:    refundStatus(r.Status),
		Amount:    fromMinor(r.Amount, string(r.Currency)),
	}, nil
}

// GetPaymentStatus fetches a PaymentIntent's state.
func (p *Provider) GetPaymentStatus(ctx context.Context, paymentID string) (payments.PaymentStatus, error) {
	pi, err := p.intents.Get(paymentID, &stripe.PaymentIntentParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return "", err
	}
	return intentStatus(pi.Status), nil
}

// VerifyWebhook checks the Stripe-Signature header against the endpoint secret.
func (p *Provider) VerifyWebhook(payload []byte, signature string) bool {
	_, err := p.construct(payload, signature)
	return err == nil
}

func (p *Provider) construct(payload []byte, signature string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, signature, p.secret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
}

// HandleWebhook translates the event and passes it to the sink. Event
// types the core does not act on are acknowledged and dropped.
func (p *Provider) HandleWebhook(ctx context.Context, ev payments.WebhookEvent) error {
	event, err := p.construct(ev.Payload, ev.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", payments.ErrInvalidSignature, err)
	}

	out, ok, err := translate(event)
	if err != nil {
		return err
	}
	if !ok {
		logging.L(ctx).Debug("ignoring stripe event", "event_id", event.ID, "type", event.Type)
		return nil
	}
	return p.sink.HandlePaymentEvent(ctx, out)
}

func translate(event stripe.Event) (payments.PaymentEvent, bool, error) {
	out := payments.PaymentEvent{Provider: Name, EventID: event.ID}
	if event.Data == nil {
		return out, false, ErrMalformedEvent
	}

	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypePaymentIntentPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return out, false, fmt.Errorf("decode payment intent: %w", err)
		}
		out.PaymentID = pi.ID
		out.UserID = pi.Metadata[metaUserID]
		out.Amount = fromMinor(pi.Amount, string(pi.Currency))
		out.Currency = string(pi.Currency)

		if event.Type == stripe.EventTypePaymentIntentPaymentFailed {
			out.Kind = payments.EventPaymentFailed
			if pi.LastPaymentError != nil {
				out.Reason = pi.LastPaymentError.Msg
			}
			return out, true, nil
		}
		out.Kind = payments.EventPaymentSucceeded
		credits, err := decimal.NewFromString(pi.Metadata[metaCredits])
		if err != nil || out.UserID == "" {
			return out, false, ErrMalformedEvent
		}
		out.Credits = credits
		return out, true, nil

	case stripe.EventTypeChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return out, false, fmt.Errorf("decode charge: %w", err)
		}
		out.Kind = payments.EventRefundSucceeded
		if ch.PaymentIntent != nil {
			out.PaymentID = ch.PaymentIntent.ID
		}
		out.UserID = ch.Metadata[metaUserID]
		out.Amount = fromMinor(ch.AmountRefunded, string(ch.Currency))
		out.Currency = string(ch.Currency)
		return out, true, nil
	}
	return out, false, nil
}

func intentStatus(s stripe.PaymentIntentStatus) payments.PaymentStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return payments.StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return payments.StatusCancelled
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresConfirmation:
		return payments.StatusRequiresAction
	}
	return payments.StatusPending
}

func refundStatus(s stripe.RefundStatus) payments.PaymentStatus {
	switch s {
	case stripe.RefundStatusSucceeded:
		return payments.StatusRefunded
	case stripe.RefundStatusFailed:
		return payments.StatusFailed
	case stripe.RefundStatusCanceled:
		return payments.StatusCancelled
	case stripe.RefundStatusRequiresAction:
		return payments.StatusRequiresAction
	}
	return payments.StatusPending
}

// Currencies Stripe charges in whole units.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

func exponent(currency string) int32 {
	if zeroDecimal[strings.ToLower(currency)] {
		return 0
	}
	return 2
}

func toMinor(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(exponent(currency)).Round(0).IntPart()
}

func fromMinor(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -exponent(currency))
}

// Compile-time assertion that Provider implements payments.Provider.
var _ payments.Provider = (*Provider)(nil)
