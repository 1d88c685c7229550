package payments

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/credits/internal/circuitbreaker"
	"github.com/mbd888/credits/internal/logging"
	"github.com/mbd888/credits/internal/metrics"
	"github.com/mbd888/credits/internal/traces"
)

// DefaultTimeout bounds provider calls whose request carries no timeout.
const DefaultTimeout = 15 * time.Second

// Orchestrator routes payment operations to registered providers by name.
// Every outbound call runs under a timeout and a per-provider circuit
// breaker.
type Orchestrator struct {
	mu        sync.RWMutex
	providers map[string]Provider

	breaker  *circuitbreaker.Breaker
	timeout  time.Duration
	recorder Recorder
}

// Recorder is told about every payment a provider accepted, so the credits
// it will grant can be tracked before the provider confirms it.
// *Fulfiller implements it.
type Recorder interface {
	RecordPayment(ctx context.Context, provider string, req PaymentRequest, resp *PaymentResponse) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTimeout sets the default provider call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBreaker replaces the circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(o *Orchestrator) { o.breaker = b }
}

// WithRecorder sets the Recorder told about accepted payments.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithBreakerSettings configures the default breaker: a provider's circuit
// opens after threshold consecutive failures and stays open for openFor.
func WithBreakerSettings(threshold int, openFor time.Duration) Option {
	return func(o *Orchestrator) {
		if threshold > 0 && openFor > 0 {
			o.breaker = NewBreaker(threshold, openFor)
		}
	}
}

// NewBreaker returns a breaker that ignores caller cancellations.
func NewBreaker(threshold int, openFor time.Duration) *circuitbreaker.Breaker {
	return circuitbreaker.New(threshold, openFor, circuitbreaker.WithFailureFilter(countsAgainstProvider))
}

// NewOrchestrator creates an orchestrator with no providers.
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		providers: make(map[string]Provider),
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.breaker == nil {
		o.breaker = NewBreaker(5, 30*time.Second)
	}
	o.breaker.OnTransition(circuitChanged)
	return o
}

func circuitChanged(provider string, from, to circuitbreaker.State) {
	open := 0.0
	if to != circuitbreaker.StateClosed {
		open = 1
	}
	metrics.ProviderCircuitOpen.WithLabelValues(provider).Set(open)
	log := logging.L(context.Background()).With("provider", provider, "from", from.String(), "to", to.String())
	if to == circuitbreaker.StateOpen {
		log.Warn("provider circuit opened")
		return
	}
	log.Info("provider circuit state changed")
}

// OpenCircuits returns the registered providers whose circuit is currently
// rejecting calls, in sorted order.
func (o *Orchestrator) OpenCircuits() []string {
	var open []string
	for _, name := range o.GetAvailableProviders() {
		if o.breaker.State(name) != circuitbreaker.StateClosed {
			open = append(open, name)
		}
	}
	return open
}

// countsAgainstProvider ignores caller cancellations; only the provider's
// own failures and timeouts trip the circuit.
func countsAgainstProvider(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// RegisterProvider adds p under name.
func (o *Orchestrator) RegisterProvider(name string, p Provider) error {
	if name == "" || p == nil {
		return ErrInvalidProvider
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.providers[name]; ok {
		return ErrProviderExists
	}
	o.providers[name] = p
	return nil
}

// GetProvider returns the provider registered under name.
func (o *Orchestrator) GetProvider(name string) (Provider, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.providers[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// GetAvailableProviders returns registered provider names in sorted order.
func (o *Orchestrator) GetAvailableProviders() []string {
	o.mu.RLock()
	names := make([]string, 0, len(o.providers))
	for name := range o.providers {
		names = append(names, name)
	}
	o.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ProcessPayment charges through the named provider.
func (o *Orchestrator) ProcessPayment(ctx context.Context, name string, req PaymentRequest) (*PaymentResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var resp *PaymentResponse
	err := o.call(ctx, name, "process_payment", req.Timeout, func(ctx context.Context, p Provider) error {
		var err error
		resp, err = p.ProcessPayment(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("payment submitted",
		"provider", name, "payment_id", resp.ID, "user_id", req.UserID,
		"amount", req.Amount.String(), "status", resp.Status)

	if o.recorder != nil {
		if err := o.recorder.RecordPayment(ctx, name, req, resp); err != nil {
			// The payment exists at the provider; its webhook still credits
			// the user, just without a pending entry to complete.
			logging.L(ctx).Warn("failed to record pending purchase",
				"provider", name, "payment_id", resp.ID, "error", err)
		}
	}
	return resp, nil
}

// ProcessRefund refunds a payment through the named provider.
func (o *Orchestrator) ProcessRefund(ctx context.Context, name string, req RefundRequest) (*RefundResponse, error) {
	if req.PaymentID == "" {
		return nil, ErrMissingPaymentRef
	}
	var resp *RefundResponse
	err := o.call(ctx, name, "process_refund", req.Timeout, func(ctx context.Context, p Provider) error {
		var err error
		resp, err = p.ProcessRefund(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("provider refund submitted",
		"provider", name, "payment_id", req.PaymentID, "refund_id", resp.ID, "status", resp.Status)
	return resp, nil
}

// GetPaymentStatus asks the named provider for a payment's state.
func (o *Orchestrator) GetPaymentStatus(ctx context.Context, name, paymentID string) (PaymentStatus, error) {
	if paymentID == "" {
		return "", ErrMissingPaymentRef
	}
	var status PaymentStatus
	err := o.call(ctx, name, "get_status", 0, func(ctx context.Context, p Provider) error {
		var err error
		status, err = p.GetPaymentStatus(ctx, paymentID)
		return err
	})
	return status, err
}

// VerifyWebhook checks a webhook signature with the named provider.
func (o *Orchestrator) VerifyWebhook(name string, payload []byte, signature string) (bool, error) {
	p, err := o.GetProvider(name)
	if err != nil {
		return false, err
	}
	return p.VerifyWebhook(payload, signature), nil
}

// HandleWebhook verifies and hands a webhook to the named provider, which
// reports its outcome to its EventSink.
func (o *Orchestrator) HandleWebhook(ctx context.Context, name string, ev WebhookEvent) (err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "payments.HandleWebhook", traces.Provider(name))
	defer func() {
		traces.End(span, err)
		metrics.ObserveOp("payments", "webhook", start, err)
	}()

	p, err := o.GetProvider(name)
	if err != nil {
		return err
	}
	if !p.VerifyWebhook(ev.Payload, ev.Signature) {
		logging.L(ctx).Warn("webhook signature rejected", "provider", name)
		return ErrInvalidSignature
	}
	if err := p.HandleWebhook(ctx, ev); err != nil {
		logging.L(ctx).Warn("webhook handling failed", "provider", name, "error", err)
		return err
	}
	return nil
}

// call runs fn against the named provider under the timeout and the
// provider's circuit.
func (o *Orchestrator) call(ctx context.Context, name, op string, timeout time.Duration, fn func(context.Context, Provider) error) (err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "payments."+op, traces.Provider(name))
	defer func() {
		traces.End(span, err)
		metrics.ObserveOp("payments", op, start, err)
		metrics.ProviderCallsTotal.WithLabelValues(name, op, metrics.Result(err)).Inc()
	}()

	p, err := o.GetProvider(name)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = o.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = o.breaker.Execute(name, func() error { return fn(ctx, p) })
	if err != nil {
		logging.L(ctx).Warn("provider call failed", "provider", name, "op", op, "error", err)
		return wrapProviderError(name, op, err)
	}
	return nil
}
