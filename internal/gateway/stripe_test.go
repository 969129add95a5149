package gateway

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

const testWebhookSecret = "whsec_unit_test"

func signStripe(t *testing.T, payload string) ([]byte, string) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func stripeEvent(id, typ, object string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":1767225600,"data":{"object":%s}}`, id, typ, object)
}

func TestStripe_VerifyEventMapping(t *testing.T) {
	g := NewStripeGateway("sk_test_unused", testWebhookSecret)
	pi := `{"id":"pi_1","object":"payment_intent","amount":5000,"amount_received":5000,"amount_capturable":5000,
		"currency":"usd","metadata":{"payerId":"user_a","kind":"ESCROW_CAPTURE","holdId":"hold_1"},
		"last_payment_error":{"message":"card declined"}}`

	tests := []struct {
		typ  string
		want string
	}{
		{"payment_intent.succeeded", "gateway.PaymentSucceeded"},
		{"payment_intent.amount_capturable_updated", "gateway.PaymentAuthorized"},
		{"payment_intent.payment_failed", "gateway.PaymentFailed"},
		{"payment_intent.canceled", "gateway.PaymentCanceled"},
		{"customer.created", "gateway.Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			payload, header := signStripe(t, stripeEvent("evt_1", tt.typ, pi))
			evt, err := g.VerifyEvent(payload, header)
			require.NoError(t, err)
			assert.Equal(t, tt.want, fmt.Sprintf("%T", evt))
			assert.Equal(t, "evt_1", evt.DedupKey())
			if _, unknown := evt.(Unknown); !unknown {
				assert.Equal(t, "pi_1", evt.Info().ProviderReference)
				assert.Equal(t, int64(5000), evt.Info().Amount)
				assert.Equal(t, "hold_1", evt.Info().Metadata[MetaHoldID])
			}
			if failed, ok := evt.(PaymentFailed); ok {
				assert.Equal(t, "card declined", failed.FailureReason)
			}
		})
	}
}

func TestStripe_RefundEvent(t *testing.T) {
	g := NewStripeGateway("sk_test_unused", testWebhookSecret)
	refund := `{"id":"re_1","object":"refund","amount":1500,"currency":"usd","status":"succeeded","payment_intent":"pi_1"}`

	payload, header := signStripe(t, stripeEvent("evt_9", "refund.updated", refund))
	evt, err := g.VerifyEvent(payload, header)
	require.NoError(t, err)

	r, ok := evt.(RefundSucceeded)
	require.True(t, ok, "got %T", evt)
	assert.Equal(t, "re_1", r.DedupKey())
	assert.Equal(t, "pi_1", r.ProviderReference)
	assert.Equal(t, int64(1500), r.Amount)

	pending := `{"id":"re_2","object":"refund","amount":1500,"currency":"usd","status":"pending","payment_intent":"pi_1"}`
	payload, header = signStripe(t, stripeEvent("evt_10", "refund.created", pending))
	evt, err = g.VerifyEvent(payload, header)
	require.NoError(t, err)
	_, unknown := evt.(Unknown)
	assert.True(t, unknown, "non-final refunds are not acted on")
}

func TestStripe_BadSignature(t *testing.T) {
	g := NewStripeGateway("sk_test_unused", testWebhookSecret)
	payload, _ := signStripe(t, stripeEvent("evt_1", "payment_intent.succeeded", `{"id":"pi_1"}`))

	_, err := g.VerifyEvent(payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestClassifyStripeError(t *testing.T) {
	declined := &stripe.Error{HTTPStatusCode: 402, Msg: "Your card was declined."}
	assert.ErrorIs(t, classifyStripeError(declined), ErrRejected)

	limited := &stripe.Error{HTTPStatusCode: 429, Msg: "rate limited"}
	assert.ErrorIs(t, classifyStripeError(limited), ErrGatewayUnavailable)

	server := &stripe.Error{HTTPStatusCode: 500, Msg: "boom"}
	assert.ErrorIs(t, classifyStripeError(server), ErrGatewayUnavailable)

	assert.ErrorIs(t, classifyStripeError(errors.New("dial tcp: refused")), ErrGatewayUnavailable)
}
