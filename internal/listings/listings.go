// Package listings is the read model of bookable places: who hosts them, what
// a night costs and how many guests fit.
package listings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hearthhq/hearth/internal/idgen"
)

var (
	ErrListingNotFound = errors.New("listings: listing not found")
	ErrInvalidListing  = errors.New("listings: invalid listing")
)

// Listing is a place that can be booked by the night.
type Listing struct {
	ID            string    `json:"id"`
	HostID        string    `json:"hostId"`
	Title         string    `json:"title,omitempty"`
	PricePerNight int64     `json:"pricePerNightMinorUnits"`
	Currency      string    `json:"currency"`
	MaxGuests     int       `json:"maxGuests"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists listings.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	ListByHost(ctx context.Context, hostID string, limit int) ([]*Listing, error)
}

// Service exposes listings to the booking flow.
type Service struct {
	store Store
}

// NewService creates a new listing service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// GetListing returns a listing by id.
func (s *Service) GetListing(ctx context.Context, id string) (*Listing, error) {
	return s.store.Get(ctx, id)
}

// CreateRequest describes a new listing.
type CreateRequest struct {
	HostID        string
	Title         string
	PricePerNight int64
	Currency      string
	MaxGuests     int
}

// Create adds a listing for a host.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Listing, error) {
	switch {
	case req.HostID == "":
		return nil, fmt.Errorf("%w: host is required", ErrInvalidListing)
	case req.PricePerNight <= 0:
		return nil, fmt.Errorf("%w: price per night must be positive", ErrInvalidListing)
	case req.MaxGuests <= 0:
		return nil, fmt.Errorf("%w: max guests must be positive", ErrInvalidListing)
	case req.Currency == "":
		return nil, fmt.Errorf("%w: currency is required", ErrInvalidListing)
	}

	l := &Listing{
		ID:            idgen.WithPrefix(idgen.ListingPrefix),
		HostID:        req.HostID,
		Title:         req.Title,
		PricePerNight: req.PricePerNight,
		Currency:      strings.ToLower(req.Currency),
		MaxGuests:     req.MaxGuests,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.Create(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// ListByHost returns a host's listings, newest first.
func (s *Service) ListByHost(ctx context.Context, hostID string, limit int) ([]*Listing, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByHost(ctx, hostID, limit)
}
