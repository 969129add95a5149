// Package gateway is the boundary to the external card processor.
//
// Outbound calls (create intent, capture, cancel, refund) go through the
// Gateway interface. Inbound provider notifications are authenticated and
// parsed by VerifyEvent into the closed set of Event types below, so nothing
// past this package ever touches a raw provider payload.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrGatewayUnavailable is retryable: the provider could not be reached or failed.
	ErrGatewayUnavailable = errors.New("gateway: provider unavailable")
	// ErrGatewayTimeout means the call's outcome is unknown.
	ErrGatewayTimeout = fmt.Errorf("%w: call timed out", ErrGatewayUnavailable)
	// ErrRejected means the provider refused the request (declined, invalid state). Not retryable.
	ErrRejected = errors.New("gateway: request rejected by provider")
	// ErrSignatureInvalid is fatal for a webhook delivery.
	ErrSignatureInvalid  = errors.New("gateway: invalid event signature")
	ErrMalformedMetadata = errors.New("gateway: malformed event metadata")
)

// CaptureMethod selects whether funds are captured on authorization.
type CaptureMethod string

const (
	CaptureAutomatic CaptureMethod = "automatic"
	CaptureManual    CaptureMethod = "manual"
)

// Metadata keys attached to every intent and echoed back on its events.
const (
	MetaPayerID     = "payerId"
	MetaSubjectType = "subjectType"
	MetaSubjectID   = "subjectId"
	MetaKind        = "kind"
	MetaHoldID      = "holdId"
	MetaLeadID      = "leadId"
)

// Metadata is the typed form of the intent metadata.
type Metadata struct {
	PayerID     string
	SubjectType string
	SubjectID   string
	Kind        string
	HoldID      string
	LeadID      string
}

// Map converts m to the provider's string map, omitting empty values.
func (m Metadata) Map() map[string]string {
	out := make(map[string]string, 6)
	for k, v := range map[string]string{
		MetaPayerID:     m.PayerID,
		MetaSubjectType: m.SubjectType,
		MetaSubjectID:   m.SubjectID,
		MetaKind:        m.Kind,
		MetaHoldID:      m.HoldID,
		MetaLeadID:      m.LeadID,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// ParseMetadata validates the fields every event needs: payer and kind.
func ParseMetadata(raw map[string]string) (Metadata, error) {
	m := Metadata{
		PayerID:     strings.TrimSpace(raw[MetaPayerID]),
		SubjectType: raw[MetaSubjectType],
		SubjectID:   raw[MetaSubjectID],
		Kind:        raw[MetaKind],
		HoldID:      raw[MetaHoldID],
		LeadID:      raw[MetaLeadID],
	}
	if m.PayerID == "" {
		return m, fmt.Errorf("%w: missing %s", ErrMalformedMetadata, MetaPayerID)
	}
	if m.Kind == "" {
		return m, fmt.Errorf("%w: missing %s", ErrMalformedMetadata, MetaKind)
	}
	return m, nil
}

// IntentRequest asks the provider for a pending charge.
type IntentRequest struct {
	Amount         int64
	Currency       string
	CaptureMethod  CaptureMethod
	Description    string
	Metadata       Metadata
	IdempotencyKey string
}

// Intent is the provider's pending charge.
type Intent struct {
	ProviderReference string
	ClientSecret      string
	Status            string
}

// RefundResult describes an accepted refund.
type RefundResult struct {
	RefundID string
	Amount   int64
	Status   string
}

// Gateway is the card processor.
type Gateway interface {
	Name() string
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	Capture(ctx context.Context, providerRef, idempotencyKey string) error
	Cancel(ctx context.Context, providerRef, idempotencyKey string) error
	// Refund returns money for a captured intent. A nil amount refunds the remainder.
	Refund(ctx context.Context, providerRef string, amount *int64, idempotencyKey string) (*RefundResult, error)
	// VerifyEvent authenticates a webhook delivery and parses it.
	VerifyEvent(payload []byte, signature string) (Event, error)
	// SignatureHeader is the HTTP header carrying the delivery signature.
	SignatureHeader() string
}

// Event is a parsed provider notification. The set of implementations is closed.
type Event interface {
	// DedupKey is the id recorded as the ledger row's external event id.
	DedupKey() string
	Info() EventInfo
	isEvent()
}

// EventInfo carries the fields shared by all payment events.
type EventInfo struct {
	ID                string
	Type              string
	ProviderReference string
	Amount            int64
	Currency          string
	Metadata          map[string]string
	Created           time.Time
}

func (e EventInfo) Info() EventInfo { return e }
func (EventInfo) isEvent()           {}

// PaymentSucceeded: funds were captured (automatic capture, or after Capture).
type PaymentSucceeded struct{ EventInfo }

// PaymentAuthorized: funds are held and can be captured.
type PaymentAuthorized struct{ EventInfo }

// PaymentFailed: an attempt to pay failed. The intent may still succeed later.
type PaymentFailed struct {
	EventInfo
	FailureReason string
}

// PaymentCanceled: the provider voided the intent.
type PaymentCanceled struct{ EventInfo }

// RefundSucceeded: a refund completed. Amount is the refunded amount.
type RefundSucceeded struct {
	EventInfo
	RefundID string
}

// Unknown is any event type this system does not act on.
type Unknown struct{ EventInfo }

func (e PaymentSucceeded) DedupKey() string  { return e.ID }
func (e PaymentAuthorized) DedupKey() string { return e.ID }
func (e PaymentFailed) DedupKey() string     { return e.ID }
func (e PaymentCanceled) DedupKey() string   { return e.ID }
func (e Unknown) DedupKey() string           { return e.ID }

// DedupKey is the refund id, so an explicit refund call and the refund's
// webhook record the same ledger row.
func (e RefundSucceeded) DedupKey() string { return e.RefundID }
