// Package escrow holds card funds with the payment provider on behalf of a
// subject: a booking, a lead unlock or a wallet top-up.
//
// Flow:
//  1. CreateHold inserts a CREATED hold, then opens a provider payment intent
//  2. The provider authorizes (AUTHORIZED) or charges (CAPTURED) the card, reported by webhook
//  3. Capture and CancelHold settle an authorization explicitly
//  4. Refund returns captured money, in part or in full
//
// Every status change is recorded in the ledger in the same unit of work.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/hearthhq/hearth/internal/gateway"
	"github.com/hearthhq/hearth/internal/ledger"
)

var (
	ErrHoldNotFound      = errors.New("escrow: hold not found")
	ErrHoldAlreadyExists = errors.New("escrow: subject already has an unresolved hold")
	ErrInvalidStatus     = errors.New("escrow: invalid hold status for this operation")
	ErrInvalidAmount     = errors.New("escrow: invalid amount")
	ErrInvalidRequest    = errors.New("escrow: invalid hold request")
)

// SubjectType is what a hold pays for.
type SubjectType string

const (
	SubjectBooking     SubjectType = "BOOKING"
	SubjectLeadUnlock  SubjectType = "LEAD_UNLOCK"
	SubjectWalletTopUp SubjectType = "WALLET_TOPUP"
)

// Valid reports whether t is a known subject type.
func (t SubjectType) Valid() bool {
	switch t {
	case SubjectBooking, SubjectLeadUnlock, SubjectWalletTopUp:
		return true
	}
	return false
}

// Status represents the state of a hold.
type Status string

const (
	StatusCreated    Status = "CREATED"    // Intent opened, payer has not paid
	StatusAuthorized Status = "AUTHORIZED" // Card authorized, awaiting capture
	StatusCaptured   Status = "CAPTURED"   // Money charged
	StatusCancelled  Status = "CANCELLED"  // Intent cancelled, nothing charged
	StatusRefunded   Status = "REFUNDED"   // Captured money returned, hold closed
)

// IsTerminal reports whether webhook events may no longer move the hold.
// CAPTURED only leaves through an explicit refund.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCaptured, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Active reports whether the hold still occupies its subject's single slot.
func (s Status) Active() bool {
	return s == StatusCreated || s == StatusAuthorized
}

// Decision classifies an attempt to move a hold to a target status.
type Decision string

const (
	Apply          Decision = "apply"
	AlreadyApplied Decision = "already_applied"
	Anomaly        Decision = "anomaly"
)

// Decide reports whether moving a hold from current to target is a forward
// step, a repeat of a step already taken, or an out-of-order revert.
func Decide(current, target Status) Decision {
	if current == target {
		return AlreadyApplied
	}
	switch current {
	case StatusCreated:
		switch target {
		case StatusAuthorized, StatusCaptured, StatusCancelled:
			return Apply
		}
	case StatusAuthorized:
		switch target {
		case StatusCaptured, StatusCancelled:
			return Apply
		}
	case StatusCaptured:
		if target == StatusRefunded {
			return Apply
		}
	}
	return Anomaly
}

// Hold is a provisional reservation of a payer's card funds.
type Hold struct {
	ID                string      `json:"id"`
	SubjectType       SubjectType `json:"subjectType"`
	SubjectID         string      `json:"subjectId"`
	PayerID           string      `json:"payerId"`
	PayeeID           string      `json:"payeeId,omitempty"`
	Kind              ledger.Kind `json:"kind"`
	Amount            int64       `json:"amountMinorUnits"`
	Refunded          int64       `json:"refundedMinorUnits"`
	Currency          string      `json:"currency"`
	ProviderReference string      `json:"providerReference,omitempty"`
	LeadID            string      `json:"leadId,omitempty"`
	Status            Status      `json:"status"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
	ResolvedAt        *time.Time  `json:"resolvedAt,omitempty"`

	// ClientSecret lets the payer complete the intent. Only set on creation.
	ClientSecret string `json:"clientSecret,omitempty"`
}

// Remaining is the captured amount not yet refunded.
func (h *Hold) Remaining() int64 {
	return h.Amount - h.Refunded
}

func (h *Hold) metadata() gateway.Metadata {
	return gateway.Metadata{
		PayerID:     h.PayerID,
		SubjectType: string(h.SubjectType),
		SubjectID:   h.SubjectID,
		Kind:        string(h.Kind),
		HoldID:      h.ID,
		LeadID:      h.LeadID,
	}
}

// captureMethod authorizes booking holds for a later host-side capture and
// charges everything else immediately.
func (h *Hold) captureMethod() gateway.CaptureMethod {
	if h.SubjectType == SubjectBooking {
		return gateway.CaptureManual
	}
	return gateway.CaptureAutomatic
}

func (h *Hold) clone() *Hold {
	cp := *h
	if h.ResolvedAt != nil {
		t := *h.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Idempotency keys shared by provider calls and ledger rows, so an explicit
// call and the webhook reporting it record one row.
func captureKey(holdID string) string       { return "hold:" + holdID + ":capture" }
func cancelKey(holdID string) string        { return "hold:" + holdID + ":cancel" }
func authorizationKey(holdID string) string { return "hold:" + holdID + ":authorization" }

// Store persists holds.
type Store interface {
	// Create inserts a CREATED hold. It fails with ErrHoldAlreadyExists when the
	// subject already has a CREATED or AUTHORIZED hold.
	Create(ctx context.Context, h *Hold) error
	Get(ctx context.Context, id string) (*Hold, error)
	// GetForUpdate loads a hold and locks it for the rest of the unit of work.
	GetForUpdate(ctx context.Context, id string) (*Hold, error)
	FindByProviderRef(ctx context.Context, ref string) (*Hold, error)
	SetProviderReference(ctx context.Context, id, ref string) error
	Update(ctx context.Context, h *Hold) error
	// ListBySubject returns a subject's holds, newest first.
	ListBySubject(ctx context.Context, subjectType SubjectType, subjectID string) ([]*Hold, error)
	ListByPayer(ctx context.Context, payerID string, limit int) ([]*Hold, error)
	// ListStale returns holds in status last updated before the cutoff, oldest first.
	ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Hold, error)
}

// CaptureListener is told about captured payments inside the capturing unit
// of work. Returning an error rolls the unit back.
type CaptureListener interface {
	HoldCaptured(ctx context.Context, h *Hold, rows []*ledger.Transaction) error
}

// Notifier receives fire-and-forget booking change notifications.
type Notifier interface {
	Revalidate(ctx context.Context, bookingID string)
}

// CreateHoldRequest contains the parameters for opening a hold.
type CreateHoldRequest struct {
	SubjectType SubjectType
	SubjectID   string
	PayerID     string
	PayeeID     string
	Kind        ledger.Kind
	Amount      int64
	Currency    string
	LeadID      string
	Description string
}
