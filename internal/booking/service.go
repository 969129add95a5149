package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hearthhq/hearth/internal/escrow"
	"github.com/hearthhq/hearth/internal/idgen"
	"github.com/hearthhq/hearth/internal/ledger"
	"github.com/hearthhq/hearth/internal/listings"
	"github.com/hearthhq/hearth/internal/syncutil"
	"github.com/hearthhq/hearth/internal/traces"
)

// ListingService resolves the listing a booking is for.
type ListingService interface {
	GetListing(ctx context.Context, id string) (*listings.Listing, error)
}

// Escrow opens and releases the money behind a booking.
type Escrow interface {
	CreateHold(ctx context.Context, req escrow.CreateHoldRequest) (*escrow.Hold, error)
	ReleaseForSubject(ctx context.Context, subjectType escrow.SubjectType, subjectID string) (*escrow.Hold, error)
}

// Service implements the booking state machine.
type Service struct {
	store    Store
	listings ListingService
	escrow   Escrow
	notifier Notifier
	locks    syncutil.KeyedMutex
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new booking service.
func NewService(store Store, listings ListingService, esc Escrow, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		listings: listings,
		escrow:   esc,
		logger:   logger,
		now:      time.Now,
	}
}

// WithNotifier adds revalidate notifications on every status change.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// CreateResult is a new booking and, when the payment could be started, its hold.
type CreateResult struct {
	Booking *Booking     `json:"booking"`
	Hold    *escrow.Hold `json:"hold,omitempty"`
}

// Get returns a booking by id.
func (s *Service) Get(ctx context.Context, id string) (*Booking, error) {
	return s.store.Get(ctx, id)
}

// ListByRenter returns a renter's bookings, newest first.
func (s *Service) ListByRenter(ctx context.Context, renterID string, limit int) ([]*Booking, error) {
	return s.store.ListByRenter(ctx, renterID, clampLimit(limit))
}

// ListByHost returns a host's bookings, newest first.
func (s *Service) ListByHost(ctx context.Context, hostID string, limit int) ([]*Booking, error) {
	return s.store.ListByHost(ctx, hostID, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}

// IsAvailable reports whether no PENDING or CONFIRMED booking of the listing
// overlaps [checkIn, checkOut).
func (s *Service) IsAvailable(ctx context.Context, listingID string, checkIn, checkOut time.Time) (bool, error) {
	if !checkIn.Before(checkOut) {
		return false, fmt.Errorf("%w: check-in must be before check-out", ErrInvalidRequest)
	}
	overlapping, err := s.store.ListOverlapping(ctx, listingID, checkIn, checkOut)
	if err != nil {
		return false, err
	}
	return len(overlapping) == 0, nil
}

// Create records a PENDING booking and opens the renter's escrow hold. If the
// hold cannot be opened the booking is still returned together with the error,
// and StartPayment can be retried.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	checkIn, checkOut := truncateDay(req.CheckIn), truncateDay(req.CheckOut)
	today := truncateDay(s.now())
	switch {
	case req.RenterID == "" || req.ListingID == "":
		return nil, fmt.Errorf("%w: listing and renter are required", ErrInvalidRequest)
	case !checkIn.Before(checkOut):
		return nil, fmt.Errorf("%w: check-in must be before check-out", ErrInvalidRequest)
	case checkIn.Before(today):
		return nil, fmt.Errorf("%w: check-in is in the past", ErrInvalidRequest)
	case req.GuestCount <= 0:
		return nil, fmt.Errorf("%w: guest count must be positive", ErrInvalidRequest)
	}

	listing, err := s.listings.GetListing(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}
	if req.GuestCount > listing.MaxGuests {
		return nil, fmt.Errorf("%w: listing sleeps at most %d guests", ErrInvalidRequest, listing.MaxGuests)
	}
	if listing.HostID == req.RenterID {
		return nil, fmt.Errorf("%w: hosts cannot book their own listing", ErrInvalidRequest)
	}

	ctx, span := traces.StartSpan(ctx, "booking.Create", traces.UserID(req.RenterID))
	defer span.End()

	now := s.now().UTC()
	b := &Booking{
		ID:         idgen.WithPrefix(idgen.BookingPrefix),
		ListingID:  listing.ID,
		RenterID:   req.RenterID,
		HostID:     listing.HostID,
		CheckIn:    checkIn,
		CheckOut:   checkOut,
		GuestCount: req.GuestCount,
		TotalPrice: int64(Nights(checkIn, checkOut)) * listing.PricePerNight,
		Currency:   strings.ToLower(listing.Currency),
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, b); err != nil {
		return nil, err
	}
	span.SetAttributes(traces.BookingID(b.ID), traces.Amount(b.TotalPrice))
	bookingsCreated.Inc()
	s.notify(ctx, b.ID)

	s.logger.Info("booking created",
		"bookingId", b.ID, "listingId", b.ListingID, "renter", b.RenterID,
		"nights", Nights(checkIn, checkOut), "total", b.TotalPrice)

	result := &CreateResult{Booking: b}
	hold, err := s.openHold(ctx, b)
	if err != nil {
		s.logger.Warn("booking created without payment", "bookingId", b.ID, "error", err)
		return result, err
	}
	result.Hold = hold
	return result, nil
}

// StartPayment opens (or re-opens) the escrow hold of a PENDING booking.
func (s *Service) StartPayment(ctx context.Context, bookingID, actorID string) (*escrow.Hold, error) {
	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if actorID != b.RenterID {
		return nil, fmt.Errorf("%w: only the renter pays for a booking", ErrUnauthorized)
	}
	if b.Status != StatusPending {
		return nil, fmt.Errorf("%w: booking is %s", ErrInvalidState, b.Status)
	}
	return s.openHold(ctx, b)
}

func (s *Service) openHold(ctx context.Context, b *Booking) (*escrow.Hold, error) {
	return s.escrow.CreateHold(ctx, escrow.CreateHoldRequest{
		SubjectType: escrow.SubjectBooking,
		SubjectID:   b.ID,
		PayerID:     b.RenterID,
		PayeeID:     b.HostID,
		Kind:        ledger.KindEscrowCapture,
		Amount:      b.TotalPrice,
		Currency:    b.Currency,
		Description: fmt.Sprintf("Booking %s", b.ID),
	})
}

// Confirm accepts a PENDING booking. Only the host may confirm.
func (s *Service) Confirm(ctx context.Context, bookingID, actorID string) (*Booking, error) {
	unlock, err := s.locks.LockContext(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if actorID != b.HostID {
		return nil, fmt.Errorf("%w: only the host can confirm", ErrUnauthorized)
	}
	if b.Status != StatusPending {
		return nil, fmt.Errorf("%w: cannot confirm a %s booking", ErrInvalidState, b.Status)
	}

	now := s.now().UTC()
	if err := s.transition(ctx, b, StatusConfirmed, func(b *Booking) { b.ConfirmedAt = &now }); err != nil {
		return nil, err
	}
	return b, nil
}

// Cancel cancels a PENDING or CONFIRMED booking on behalf of its renter or
// host, then releases its escrow. If the release fails the booking stays
// CANCELLED and is returned with ErrReleaseDeferred.
func (s *Service) Cancel(ctx context.Context, bookingID, actorID, reason string) (*Booking, error) {
	unlock, err := s.locks.LockContext(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.IsParty(actorID) {
		return nil, fmt.Errorf("%w: only the renter or host can cancel", ErrUnauthorized)
	}

	now := s.now().UTC()
	err = s.transition(ctx, b, StatusCancelled, func(b *Booking) {
		b.CancelledBy = actorID
		b.CancelledAt = &now
		b.CancellationReason = reason
	})
	if err != nil {
		return nil, err
	}

	hold, err := s.escrow.ReleaseForSubject(ctx, escrow.SubjectBooking, b.ID)
	if err != nil {
		releasesDeferred.Inc()
		s.logger.Warn("booking cancelled, escrow release deferred to sweep",
			"bookingId", b.ID, "error", err)
		return b, fmt.Errorf("%w: %v", ErrReleaseDeferred, err)
	}
	if hold != nil {
		s.logger.Info("booking escrow released",
			"bookingId", b.ID, "holdId", hold.ID, "holdStatus", hold.Status)
	}
	return b, nil
}

// Complete closes a CONFIRMED booking once its check-out has passed.
func (s *Service) Complete(ctx context.Context, bookingID string) (*Booking, error) {
	unlock, err := s.locks.LockContext(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(b.Status, StatusCompleted) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, b.Status, StatusCompleted)
	}
	now := s.now().UTC()
	if now.Before(b.CheckOut) {
		return nil, fmt.Errorf("%w: check-out is %s", ErrTooEarly, b.CheckOut.Format(time.DateOnly))
	}

	if err := s.transition(ctx, b, StatusCompleted, func(b *Booking) { b.CompletedAt = &now }); err != nil {
		return nil, err
	}
	return b, nil
}

// transition moves b to status to, applying mutate first. The stored row must
// still be in b's current status.
func (s *Service) transition(ctx context.Context, b *Booking, to Status, mutate func(*Booking)) error {
	from := b.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}

	next := b.clone()
	next.Status = to
	next.UpdatedAt = s.now().UTC()
	if mutate != nil {
		mutate(next)
	}
	if err := s.store.Transition(ctx, next, from); err != nil {
		return err
	}
	*b = *next

	bookingTransitions.WithLabelValues(string(from), string(to)).Inc()
	s.logger.Info("booking transitioned", "bookingId", b.ID, "from", from, "to", to)
	s.notify(ctx, b.ID)
	return nil
}

func (s *Service) notify(ctx context.Context, bookingID string) {
	if s.notifier != nil {
		s.notifier.Revalidate(context.WithoutCancel(ctx), bookingID)
	}
}

// IsNotFound reports whether err means the booking or its listing does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBookingNotFound) || errors.Is(err, listings.ErrListingNotFound)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
