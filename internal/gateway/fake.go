package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hearthhq/hearth/internal/idgen"
)

// Fake event types, mirroring the provider events the reconciler understands.
const (
	FakeEventSucceeded  = "payment.succeeded"
	FakeEventAuthorized = "payment.authorized"
	FakeEventFailed     = "payment.failed"
	FakeEventCanceled   = "payment.canceled"
	FakeEventRefunded   = "refund.succeeded"
)

// FakeSignatureHeader carries "t=<unix>,v1=<hex hmac-sha256>".
const FakeSignatureHeader = "X-Hearth-Signature"

const fakeSignatureTolerance = 5 * time.Minute

// Intent statuses used by the fake provider.
const (
	fakeRequiresPayment = "requires_payment_method"
	fakeRequiresCapture = "requires_capture"
	fakeSucceeded       = "succeeded"
	fakeCanceled        = "canceled"
)

type fakeIntent struct {
	ref      string
	amount   int64
	currency string
	capture  CaptureMethod
	status   string
	refunded int64
	metadata map[string]string
}

// FakeGateway is an in-memory provider for development and tests. It honors
// idempotency keys, signs events with HMAC-SHA256 and can inject failures.
type FakeGateway struct {
	mu       sync.Mutex
	secret   []byte
	intents  map[string]*fakeIntent
	idem     map[string]any
	failures map[string][]error
	latency  time.Duration
	calls    map[string]int
	now      func() time.Time
}

// NewFakeGateway creates a fake provider signing events with secret.
func NewFakeGateway(secret string) *FakeGateway {
	return &FakeGateway{
		secret:   []byte(secret),
		intents:  make(map[string]*fakeIntent),
		idem:     make(map[string]any),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		now:      time.Now,
	}
}

func (f *FakeGateway) Name() string            { return "fake" }
func (f *FakeGateway) SignatureHeader() string { return FakeSignatureHeader }

// FailNext makes the next call of op ("create", "capture", "cancel", "refund") return err.
func (f *FakeGateway) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// SetLatency delays every call, honoring context cancellation.
func (f *FakeGateway) SetLatency(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = d
}

// Calls returns how many times op reached the provider.
func (f *FakeGateway) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// IntentStatus returns the fake intent's status, or "" if unknown.
func (f *FakeGateway) IntentStatus(ref string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.intents[ref]; ok {
		return in.status
	}
	return ""
}

func (f *FakeGateway) begin(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	latency := f.latency
	var injected error
	if q := f.failures[op]; len(q) > 0 {
		injected, f.failures[op] = q[0], q[1:]
	}
	f.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return ErrGatewayTimeout
		case <-time.After(latency):
		}
	}
	return injected
}

func (f *FakeGateway) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if err := f.begin(ctx, "create"); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrRejected)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if prev, ok := f.idem["create:"+req.IdempotencyKey].(*Intent); ok && req.IdempotencyKey != "" {
		cp := *prev
		return &cp, nil
	}

	ref := idgen.WithPrefix("pi_fake_")
	f.intents[ref] = &fakeIntent{
		ref:      ref,
		amount:   req.Amount,
		currency: strings.ToLower(req.Currency),
		capture:  req.CaptureMethod,
		status:   fakeRequiresPayment,
		metadata: req.Metadata.Map(),
	}
	intent := &Intent{ProviderReference: ref, ClientSecret: ref + "_secret_" + idgen.Hex(8), Status: fakeRequiresPayment}
	if req.IdempotencyKey != "" {
		f.idem["create:"+req.IdempotencyKey] = intent
	}
	cp := *intent
	return &cp, nil
}

func (f *FakeGateway) Capture(ctx context.Context, providerRef, idempotencyKey string) error {
	if err := f.begin(ctx, "capture"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	in, ok := f.intents[providerRef]
	if !ok {
		return fmt.Errorf("%w: no such intent %s", ErrRejected, providerRef)
	}
	switch in.status {
	case fakeSucceeded:
		return nil
	case fakeRequiresCapture:
		in.status = fakeSucceeded
		return nil
	default:
		return fmt.Errorf("%w: intent is %s", ErrRejected, in.status)
	}
}

func (f *FakeGateway) Cancel(ctx context.Context, providerRef, idempotencyKey string) error {
	if err := f.begin(ctx, "cancel"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	in, ok := f.intents[providerRef]
	if !ok {
		return fmt.Errorf("%w: no such intent %s", ErrRejected, providerRef)
	}
	switch in.status {
	case fakeCanceled:
		return nil
	case fakeRequiresPayment, fakeRequiresCapture:
		in.status = fakeCanceled
		return nil
	default:
		return fmt.Errorf("%w: intent is %s", ErrRejected, in.status)
	}
}

func (f *FakeGateway) Refund(ctx context.Context, providerRef string, amount *int64, idempotencyKey string) (*RefundResult, error) {
	if err := f.begin(ctx, "refund"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if prev, ok := f.idem["refund:"+idempotencyKey].(*RefundResult); ok && idempotencyKey != "" {
		cp := *prev
		return &cp, nil
	}

	in, ok := f.intents[providerRef]
	if !ok {
		return nil, fmt.Errorf("%w: no such intent %s", ErrRejected, providerRef)
	}
	if in.status != fakeSucceeded {
		return nil, fmt.Errorf("%w: intent is %s", ErrRejected, in.status)
	}
	remaining := in.amount - in.refunded
	amt := remaining
	if amount != nil {
		amt = *amount
	}
	if amt <= 0 || amt > remaining {
		return nil, fmt.Errorf("%w: refund of %d exceeds remaining %d", ErrRejected, amt, remaining)
	}
	in.refunded += amt

	res := &RefundResult{RefundID: idgen.WithPrefix("re_fake_"), Amount: amt, Status: "succeeded"}
	if idempotencyKey != "" {
		f.idem["refund:"+idempotencyKey] = res
	}
	cp := *res
	return &cp, nil
}

// Pay simulates the customer completing payment. Manual-capture intents become
// capturable; automatic ones succeed.
func (f *FakeGateway) Pay(providerRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.intents[providerRef]
	if !ok {
		return fmt.Errorf("%w: no such intent %s", ErrRejected, providerRef)
	}
	if in.status != fakeRequiresPayment {
		return fmt.Errorf("%w: intent is %s", ErrRejected, in.status)
	}
	if in.capture == CaptureManual {
		in.status = fakeRequiresCapture
	} else {
		in.status = fakeSucceeded
	}
	return nil
}

// fakeEnvelope is the fake provider's wire format.
type fakeEnvelope struct {
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Created int64    `json:"created"`
	Data    fakeData `json:"data"`
}

type fakeData struct {
	Reference     string            `json:"reference"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	RefundID      string            `json:"refundId,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
}

// EventOption customizes a fake event.
type EventOption func(*fakeEnvelope)

// WithEventID fixes the event id (to simulate redelivery).
func WithEventID(id string) EventOption { return func(e *fakeEnvelope) { e.ID = id } }

// WithRefund sets the refund id and amount of a refund event.
func WithRefund(refundID string, amount int64) EventOption {
	return func(e *fakeEnvelope) { e.Data.RefundID, e.Data.Amount = refundID, amount }
}

// WithAmount sets the amount and currency of the event.
func WithAmount(amount int64, currency string) EventOption {
	return func(e *fakeEnvelope) { e.Data.Amount, e.Data.Currency = amount, currency }
}

// WithMetadata replaces the event's metadata.
func WithMetadata(md map[string]string) EventOption {
	return func(e *fakeEnvelope) { e.Data.Metadata = md }
}

// WithFailureReason sets a payment failure message.
func WithFailureReason(reason string) EventOption {
	return func(e *fakeEnvelope) { e.Data.FailureReason = reason }
}

// BuildEvent renders a signed delivery for an intent. It returns the payload and
// the signature header value.
func (f *FakeGateway) BuildEvent(eventType, providerRef string, opts ...EventOption) ([]byte, string, error) {
	f.mu.Lock()
	in, ok := f.intents[providerRef]
	var env fakeEnvelope
	if ok {
		env.Data = fakeData{Reference: in.ref, Amount: in.amount, Currency: in.currency, Metadata: in.metadata}
	} else {
		env.Data = fakeData{Reference: providerRef}
	}
	f.mu.Unlock()

	env.ID = idgen.WithPrefix("evt_fake_")
	env.Type = eventType
	env.Created = f.now().Unix()
	for _, opt := range opts {
		opt(&env)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, "", err
	}
	return payload, f.Sign(payload), nil
}

// Sign returns the signature header for payload at the current time.
func (f *FakeGateway) Sign(payload []byte) string {
	ts := strconv.FormatInt(f.now().Unix(), 10)
	return "t=" + ts + ",v1=" + f.mac(ts, payload)
}

func (f *FakeGateway) mac(ts string, payload []byte) string {
	h := hmac.New(sha256.New, f.secret)
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (f *FakeGateway) VerifyEvent(payload []byte, signature string) (Event, error) {
	var ts, sig string
	for _, part := range strings.Split(signature, ",") {
		k, v, _ := strings.Cut(strings.TrimSpace(part), "=")
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return nil, fmt.Errorf("%w: malformed header", ErrSignatureInvalid)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrSignatureInvalid)
	}
	if age := f.now().Sub(time.Unix(unix, 0)); age > fakeSignatureTolerance || age < -fakeSignatureTolerance {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}
	if !hmac.Equal([]byte(sig), []byte(f.mac(ts, payload))) {
		return nil, ErrSignatureInvalid
	}

	var env fakeEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
	}
	info := EventInfo{
		ID:                env.ID,
		Type:              env.Type,
		ProviderReference: env.Data.Reference,
		Amount:            env.Data.Amount,
		Currency:          env.Data.Currency,
		Metadata:          env.Data.Metadata,
		Created:           time.Unix(env.Created, 0).UTC(),
	}
	switch env.Type {
	case FakeEventSucceeded:
		return PaymentSucceeded{info}, nil
	case FakeEventAuthorized:
		return PaymentAuthorized{info}, nil
	case FakeEventFailed:
		return PaymentFailed{EventInfo: info, FailureReason: env.Data.FailureReason}, nil
	case FakeEventCanceled:
		return PaymentCanceled{info}, nil
	case FakeEventRefunded:
		return RefundSucceeded{EventInfo: info, RefundID: env.Data.RefundID}, nil
	default:
		return Unknown{info}, nil
	}
}

var _ Gateway = (*FakeGateway)(nil)
