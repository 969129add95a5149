package reconciliation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hearthhq/hearth/internal/booking"
	"github.com/hearthhq/hearth/internal/escrow"
)

// PostgresOrphanFinder joins cancelled bookings to their unreleased holds.
type PostgresOrphanFinder struct {
	db *sql.DB
}

// NewPostgresOrphanFinder creates an orphan finder over the booking and hold tables.
func NewPostgresOrphanFinder(db *sql.DB) *PostgresOrphanFinder {
	return &PostgresOrphanFinder{db: db}
}

func (p *PostgresOrphanFinder) FindOrphans(ctx context.Context, cutoff time.Time, limit int) ([]Orphan, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT h.id, b.id, h.status, b.cancelled_at
		FROM bookings b
		JOIN escrow_holds h ON h.subject_type = 'BOOKING' AND h.subject_id = b.id
		WHERE b.status = 'CANCELLED' AND b.cancelled_at < $1
		  AND h.status IN ('CREATED', 'AUTHORIZED', 'CAPTURED')
		ORDER BY b.cancelled_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find orphaned holds: %w", err)
	}
	defer rows.Close()

	var out []Orphan
	for rows.Next() {
		var o Orphan
		var status string
		if err := rows.Scan(&o.HoldID, &o.BookingID, &status, &o.CancelledAt); err != nil {
			return nil, fmt.Errorf("failed to scan orphaned hold: %w", err)
		}
		o.Status = escrow.Status(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

// CancelledBookings lists bookings cancelled before a time.
type CancelledBookings interface {
	ListCancelledBefore(ctx context.Context, before time.Time, limit int) ([]*booking.Booking, error)
}

// StoreOrphanFinder finds orphans through the booking and escrow stores. It
// backs the in-memory mode.
type StoreOrphanFinder struct {
	bookings CancelledBookings
	holds    escrow.Store
}

// NewStoreOrphanFinder creates an orphan finder over the two stores.
func NewStoreOrphanFinder(bookings CancelledBookings, holds escrow.Store) *StoreOrphanFinder {
	return &StoreOrphanFinder{bookings: bookings, holds: holds}
}

func (s *StoreOrphanFinder) FindOrphans(ctx context.Context, cutoff time.Time, limit int) ([]Orphan, error) {
	cancelled, err := s.bookings.ListCancelledBefore(ctx, cutoff, 0)
	if err != nil {
		return nil, err
	}

	var out []Orphan
	for _, b := range cancelled {
		holds, err := s.holds.ListBySubject(ctx, escrow.SubjectBooking, b.ID)
		if err != nil {
			return nil, err
		}
		for _, h := range holds {
			if !h.Status.Active() && h.Status != escrow.StatusCaptured {
				continue
			}
			out = append(out, Orphan{HoldID: h.ID, BookingID: b.ID, Status: h.Status, CancelledAt: *b.CancelledAt})
			if len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}
