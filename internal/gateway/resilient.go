package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hearthhq/hearth/internal/circuitbreaker"
)

// Resilient wraps a Gateway with a per-call timeout and a circuit breaker.
// Timeouts surface as ErrGatewayTimeout; an open circuit as ErrGatewayUnavailable.
type Resilient struct {
	next    Gateway
	breaker *circuitbreaker.Breaker
	timeout time.Duration
}

// NewResilient wraps next. Provider rejections do not count against the circuit.
func NewResilient(next Gateway, timeout time.Duration, breaker *circuitbreaker.Breaker) *Resilient {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	breaker.WithFailureFilter(func(err error) bool {
		return err != nil && !errors.Is(err, ErrRejected)
	})
	return &Resilient{next: next, breaker: breaker, timeout: timeout}
}

func (r *Resilient) Name() string            { return r.next.Name() }
func (r *Resilient) SignatureHeader() string { return r.next.SignatureHeader() }

func (r *Resilient) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	err := r.breaker.Execute(r.next.Name()+":"+op, func() error { return fn(ctx) })
	switch {
	case err == nil:
	case errors.Is(err, circuitbreaker.ErrOpen):
		err = fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	case errors.Is(err, ErrGatewayTimeout):
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		err = ErrGatewayTimeout
	case !errors.Is(err, ErrRejected) && !errors.Is(err, ErrGatewayUnavailable):
		err = fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	observeCall(r.next.Name(), op, err, time.Since(start))
	return err
}

func (r *Resilient) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	var intent *Intent
	err := r.call(ctx, "create", func(ctx context.Context) error {
		var err error
		intent, err = r.next.CreateIntent(ctx, req)
		return err
	})
	return intent, err
}

func (r *Resilient) Capture(ctx context.Context, providerRef, idempotencyKey string) error {
	return r.call(ctx, "capture", func(ctx context.Context) error {
		return r.next.Capture(ctx, providerRef, idempotencyKey)
	})
}

func (r *Resilient) Cancel(ctx context.Context, providerRef, idempotencyKey string) error {
	return r.call(ctx, "cancel", func(ctx context.Context) error {
		return r.next.Cancel(ctx, providerRef, idempotencyKey)
	})
}

func (r *Resilient) Refund(ctx context.Context, providerRef string, amount *int64, idempotencyKey string) (*RefundResult, error) {
	var res *RefundResult
	err := r.call(ctx, "refund", func(ctx context.Context) error {
		var err error
		res, err = r.next.Refund(ctx, providerRef, amount, idempotencyKey)
		return err
	})
	return res, err
}

func (r *Resilient) VerifyEvent(payload []byte, signature string) (Event, error) {
	evt, err := r.next.VerifyEvent(payload, signature)
	if err != nil {
		eventsVerified.WithLabelValues(r.next.Name(), "rejected").Inc()
		return nil, err
	}
	eventsVerified.WithLabelValues(r.next.Name(), "ok").Inc()
	return evt, nil
}

var _ Gateway = (*Resilient)(nil)
