package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hearthhq/hearth/internal/listings"
	"github.com/hearthhq/hearth/internal/txn"
)

// PostgresStore persists bookings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed booking store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const bookingColumns = `id, listing_id, renter_id, host_id, check_in, check_out, guest_count,
		       total_price_minor_units, currency, status, cancelled_by, cancelled_at,
		       cancellation_reason, created_at, updated_at, confirmed_at, completed_at`

// Create locks the listing row so overlapping requests for one listing are
// checked and inserted one at a time.
func (p *PostgresStore) Create(ctx context.Context, b *Booking) error {
	return txn.WithTx(ctx, p.db, func(q txn.Querier) error {
		var listingID string
		err := q.QueryRowContext(ctx, `SELECT id FROM listings WHERE id = $1 FOR UPDATE`, b.ListingID).Scan(&listingID)
		if errors.Is(err, sql.ErrNoRows) {
			return listings.ErrListingNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock listing: %w", err)
		}

		var taken bool
		err = q.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM bookings
				WHERE listing_id = $1 AND status IN ('PENDING', 'CONFIRMED')
				  AND check_in < $3 AND $2 < check_out
			)`, b.ListingID, b.CheckIn, b.CheckOut,
		).Scan(&taken)
		if err != nil {
			return fmt.Errorf("failed to check availability: %w", err)
		}
		if taken {
			return ErrUnavailable
		}

		_, err = q.ExecContext(ctx, `
			INSERT INTO bookings (
				id, listing_id, renter_id, host_id, check_in, check_out, guest_count,
				total_price_minor_units, currency, status, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			b.ID, b.ListingID, b.RenterID, b.HostID, b.CheckIn, b.CheckOut, b.GuestCount,
			b.TotalPrice, b.Currency, string(b.Status), b.CreatedAt, b.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert booking: %w", err)
		}
		return nil
	})
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Booking, error) {
	b, err := scanBooking(txn.Q(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return b, nil
}

func (p *PostgresStore) Transition(ctx context.Context, b *Booking, from Status) error {
	result, err := txn.Q(ctx, p.db).ExecContext(ctx, `
		UPDATE bookings SET
			status = $2, cancelled_by = $3, cancelled_at = $4, cancellation_reason = $5,
			updated_at = $6, confirmed_at = $7, completed_at = $8
		WHERE id = $1 AND status = $9`,
		b.ID, string(b.Status), nullString(b.CancelledBy), nullTime(b.CancelledAt),
		nullString(b.CancellationReason), b.UpdatedAt, nullTime(b.ConfirmedAt),
		nullTime(b.CompletedAt), string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	if n == 0 {
		if _, err := p.Get(ctx, b.ID); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

func (p *PostgresStore) ListOverlapping(ctx context.Context, listingID string, checkIn, checkOut time.Time) ([]*Booking, error) {
	return p.list(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE listing_id = $1 AND status IN ('PENDING', 'CONFIRMED')
		  AND check_in < $3 AND $2 < check_out
		ORDER BY check_in`, listingID, checkIn, checkOut)
}

func (p *PostgresStore) ListByRenter(ctx context.Context, renterID string, limit int) ([]*Booking, error) {
	return p.list(ctx, `
		SELECT `+bookingColumns+` FROM bookings WHERE renter_id = $1
		ORDER BY created_at DESC LIMIT $2`, renterID, limit)
}

func (p *PostgresStore) ListByHost(ctx context.Context, hostID string, limit int) ([]*Booking, error) {
	return p.list(ctx, `
		SELECT `+bookingColumns+` FROM bookings WHERE host_id = $1
		ORDER BY created_at DESC LIMIT $2`, hostID, limit)
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Booking, error) {
	return p.list(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status = 'CONFIRMED' AND check_out <= $1
		ORDER BY check_out LIMIT $2`, now, limit)
}

func (p *PostgresStore) ListCancelledBefore(ctx context.Context, before time.Time, limit int) ([]*Booking, error) {
	return p.list(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status = 'CANCELLED' AND cancelled_at < $1
		ORDER BY cancelled_at DESC LIMIT $2`, before, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Booking, error) {
	rows, err := txn.Q(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	defer rows.Close()

	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(s scanner) (*Booking, error) {
	b := &Booking{}
	var status string
	var cancelledBy, reason sql.NullString
	var cancelledAt, confirmedAt, completedAt sql.NullTime
	err := s.Scan(
		&b.ID, &b.ListingID, &b.RenterID, &b.HostID, &b.CheckIn, &b.CheckOut, &b.GuestCount,
		&b.TotalPrice, &b.Currency, &status, &cancelledBy, &cancelledAt,
		&reason, &b.CreatedAt, &b.UpdatedAt, &confirmedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = Status(status)
	b.CancelledBy = cancelledBy.String
	b.CancellationReason = reason.String
	b.CheckIn, b.CheckOut = b.CheckIn.UTC(), b.CheckOut.UTC()
	if cancelledAt.Valid {
		b.CancelledAt = &cancelledAt.Time
	}
	if confirmedAt.Valid {
		b.ConfirmedAt = &confirmedAt.Time
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	return b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
