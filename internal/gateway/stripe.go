package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

// StripeGateway implements Gateway with Stripe PaymentIntents.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

// NewStripeGateway creates a gateway for the given secret key and webhook signing secret.
func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api, webhookSecret: webhookSecret}
}

func (s *StripeGateway) Name() string            { return "stripe" }
func (s *StripeGateway) SignatureHeader() string { return "Stripe-Signature" }

func (s *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(captureMethod(req.CaptureMethod)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata.Map() {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &Intent{
		ProviderReference: pi.ID,
		ClientSecret:      pi.ClientSecret,
		Status:            string(pi.Status),
	}, nil
}

func (s *StripeGateway) Capture(ctx context.Context, providerRef, idempotencyKey string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	if _, err := s.api.PaymentIntents.Capture(providerRef, params); err != nil {
		return classifyStripeError(err)
	}
	return nil
}

func (s *StripeGateway) Cancel(ctx context.Context, providerRef, idempotencyKey string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	if _, err := s.api.PaymentIntents.Cancel(providerRef, params); err != nil {
		return classifyStripeError(err)
	}
	return nil
}

func (s *StripeGateway) Refund(ctx context.Context, providerRef string, amount *int64, idempotencyKey string) (*RefundResult, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(providerRef)}
	if amount != nil {
		params.Amount = stripe.Int64(*amount)
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	r, err := s.api.Refunds.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &RefundResult{RefundID: r.ID, Amount: r.Amount, Status: string(r.Status)}, nil
}

// VerifyEvent checks the Stripe-Signature header and maps the event.
func (s *StripeGateway) VerifyEvent(payload []byte, signature string) (Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return mapStripeEvent(evt)
}

func mapStripeEvent(evt stripe.Event) (Event, error) {
	info := EventInfo{ID: evt.ID, Type: string(evt.Type), Created: time.Unix(evt.Created, 0).UTC()}
	if evt.Data == nil {
		return Unknown{info}, nil
	}

	switch evt.Type {
	case "payment_intent.succeeded",
		"payment_intent.amount_capturable_updated",
		"payment_intent.payment_failed",
		"payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: payment intent: %v", ErrMalformedMetadata, err)
		}
		info.ProviderReference = pi.ID
		info.Currency = string(pi.Currency)
		info.Metadata = pi.Metadata
		info.Amount = pi.Amount

		switch evt.Type {
		case "payment_intent.succeeded":
			if pi.AmountReceived > 0 {
				info.Amount = pi.AmountReceived
			}
			return PaymentSucceeded{info}, nil
		case "payment_intent.amount_capturable_updated":
			if pi.AmountCapturable > 0 {
				info.Amount = pi.AmountCapturable
			}
			return PaymentAuthorized{info}, nil
		case "payment_intent.payment_failed":
			reason := ""
			if pi.LastPaymentError != nil {
				reason = pi.LastPaymentError.Msg
			}
			return PaymentFailed{EventInfo: info, FailureReason: reason}, nil
		default:
			return PaymentCanceled{info}, nil
		}

	case "refund.created", "refund.updated", "charge.refund.updated":
		var r stripe.Refund
		if err := json.Unmarshal(evt.Data.Raw, &r); err != nil {
			return nil, fmt.Errorf("%w: refund: %v", ErrMalformedMetadata, err)
		}
		if r.Status != stripe.RefundStatusSucceeded {
			return Unknown{info}, nil
		}
		if r.PaymentIntent != nil {
			info.ProviderReference = r.PaymentIntent.ID
		}
		info.Amount = r.Amount
		info.Currency = string(r.Currency)
		info.Metadata = r.Metadata
		return RefundSucceeded{EventInfo: info, RefundID: r.ID}, nil
	}

	return Unknown{info}, nil
}

func captureMethod(m CaptureMethod) string {
	if m == CaptureManual {
		return string(stripe.PaymentIntentCaptureMethodManual)
	}
	return string(stripe.PaymentIntentCaptureMethodAutomatic)
}

// classifyStripeError maps client errors to ErrRejected and everything else
// (network, 5xx, rate limiting) to ErrGatewayUnavailable.
func classifyStripeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrGatewayTimeout
	}
	var serr *stripe.Error
	if errors.As(err, &serr) {
		if serr.HTTPStatusCode >= 400 && serr.HTTPStatusCode < 500 &&
			serr.HTTPStatusCode != http.StatusTooManyRequests &&
			serr.HTTPStatusCode != http.StatusConflict {
			return fmt.Errorf("%w: %s", ErrRejected, serr.Msg)
		}
		return fmt.Errorf("%w: %s", ErrGatewayUnavailable, serr.Msg)
	}
	return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
}

var _ Gateway = (*StripeGateway)(nil)
