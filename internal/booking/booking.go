// Package booking owns the lifecycle of a reservation.
//
//	PENDING ──confirm──▶ CONFIRMED ──complete──▶ COMPLETED
//	   │                     │
//	   └──────cancel─────────┴──────▶ CANCELLED
//
// Bookings are never deleted. Money moves through the escrow package: a
// BOOKING hold is opened for the renter on creation and released when the
// booking is cancelled.
package booking

import (
	"context"
	"errors"
	"time"
)

var (
	ErrBookingNotFound   = errors.New("booking: not found")
	ErrInvalidTransition = errors.New("booking: invalid status transition")
	ErrInvalidState      = errors.New("booking: invalid state for this operation")
	ErrUnauthorized      = errors.New("booking: actor not allowed")
	ErrTooEarly          = errors.New("booking: check-out has not passed yet")
	ErrUnavailable       = errors.New("booking: listing unavailable for these dates")
	ErrInvalidRequest    = errors.New("booking: invalid request")
	// ErrReleaseDeferred means the booking was cancelled but its escrow could not
	// be released yet. The reconciliation sweep finishes the release.
	ErrReleaseDeferred = errors.New("booking: cancelled, escrow release deferred")
)

// Status represents the state of a booking.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// HoldsDates reports whether a booking in this status blocks its dates.
func (s Status) HoldsDates() bool {
	return s == StatusPending || s == StatusConfirmed
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from → to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Booking is a renter's reservation of a listing.
type Booking struct {
	ID                 string     `json:"id"`
	ListingID          string     `json:"listingId"`
	RenterID           string     `json:"renterId"`
	HostID             string     `json:"hostId"`
	CheckIn            time.Time  `json:"checkIn"`
	CheckOut           time.Time  `json:"checkOut"`
	GuestCount         int        `json:"guestCount"`
	TotalPrice         int64      `json:"totalPriceMinorUnits"`
	Currency           string     `json:"currency"`
	Status             Status     `json:"status"`
	CancelledBy        string     `json:"cancelledBy,omitempty"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
	CancellationReason string     `json:"cancellationReason,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	ConfirmedAt        *time.Time `json:"confirmedAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
}

// Nights is the number of nights between check-in and check-out.
func Nights(checkIn, checkOut time.Time) int {
	return int(checkOut.Sub(checkIn).Hours() / 24)
}

// IsParty reports whether actorID is the booking's renter or host.
func (b *Booking) IsParty(actorID string) bool {
	return actorID != "" && (actorID == b.RenterID || actorID == b.HostID)
}

func (b *Booking) clone() *Booking {
	cp := *b
	for _, p := range []**time.Time{&cp.CancelledAt, &cp.ConfirmedAt, &cp.CompletedAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return &cp
}

// Store persists bookings.
type Store interface {
	// Create inserts a PENDING booking, failing with ErrUnavailable when another
	// PENDING or CONFIRMED booking of the listing overlaps its dates.
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id string) (*Booking, error)
	// Transition saves b if its stored status is still from, and fails with
	// ErrInvalidTransition otherwise.
	Transition(ctx context.Context, b *Booking, from Status) error
	ListOverlapping(ctx context.Context, listingID string, checkIn, checkOut time.Time) ([]*Booking, error)
	ListByRenter(ctx context.Context, renterID string, limit int) ([]*Booking, error)
	ListByHost(ctx context.Context, hostID string, limit int) ([]*Booking, error)
	// ListDue returns CONFIRMED bookings whose check-out is at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Booking, error)
	// ListCancelledBefore returns bookings cancelled before the cutoff, most recent first.
	ListCancelledBefore(ctx context.Context, before time.Time, limit int) ([]*Booking, error)
}

// Notifier receives fire-and-forget booking change notifications.
type Notifier interface {
	Revalidate(ctx context.Context, bookingID string)
}

// CreateRequest contains the parameters for a renter's booking request.
type CreateRequest struct {
	ListingID  string
	RenterID   string
	CheckIn    time.Time
	CheckOut   time.Time
	GuestCount int
}
