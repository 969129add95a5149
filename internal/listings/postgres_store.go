package listings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hearthhq/hearth/internal/txn"
)

// PostgresStore persists listings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	_, err := txn.Q(ctx, p.db).ExecContext(ctx, `
		INSERT INTO listings (id, host_id, title, price_per_night_minor_units, currency, max_guests, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.HostID, l.Title, l.PricePerNight, l.Currency, l.MaxGuests, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert listing: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	l := &Listing{}
	err := txn.Q(ctx, p.db).QueryRowContext(ctx, `
		SELECT id, host_id, title, price_per_night_minor_units, currency, max_guests, created_at
		FROM listings WHERE id = $1`, id,
	).Scan(&l.ID, &l.HostID, &l.Title, &l.PricePerNight, &l.Currency, &l.MaxGuests, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return l, nil
}

func (p *PostgresStore) ListByHost(ctx context.Context, hostID string, limit int) ([]*Listing, error) {
	rows, err := txn.Q(ctx, p.db).QueryContext(ctx, `
		SELECT id, host_id, title, price_per_night_minor_units, currency, max_guests, created_at
		FROM listings WHERE host_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, hostID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list listings: %w", err)
	}
	defer rows.Close()

	var out []*Listing
	for rows.Next() {
		l := &Listing{}
		if err := rows.Scan(&l.ID, &l.HostID, &l.Title, &l.PricePerNight, &l.Currency, &l.MaxGuests, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
