package leads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hearthhq/hearth/internal/txn"
)

// PostgresStore persists leads and unlocks in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed lead store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateLead(ctx context.Context, l *Lead) error {
	_, err := txn.Q(ctx, p.db).ExecContext(ctx, `
		INSERT INTO leads (id, title, price_minor_units, currency, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		l.ID, l.Title, l.Price, l.Currency, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert lead: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetLead(ctx context.Context, id string) (*Lead, error) {
	l := &Lead{}
	err := txn.Q(ctx, p.db).QueryRowContext(ctx, `
		SELECT id, title, price_minor_units, currency, created_at FROM leads WHERE id = $1`, id,
	).Scan(&l.ID, &l.Title, &l.Price, &l.Currency, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLeadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lead: %w", err)
	}
	return l, nil
}

// Unlock relies on the (user_id, lead_id) primary key; a conflicting insert
// returns no row.
func (p *PostgresStore) Unlock(ctx context.Context, u *UnlockedLead) error {
	var userID string
	err := txn.Q(ctx, p.db).QueryRowContext(ctx, `
		INSERT INTO unlocked_leads (user_id, lead_id, transaction_id, unlocked_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, lead_id) DO NOTHING
		RETURNING user_id`,
		u.UserID, u.LeadID, u.TransactionID, u.UnlockedAt,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAlreadyUnlocked
	}
	if err != nil {
		return fmt.Errorf("failed to insert unlock: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetUnlock(ctx context.Context, userID, leadID string) (*UnlockedLead, error) {
	u := &UnlockedLead{}
	err := txn.Q(ctx, p.db).QueryRowContext(ctx, `
		SELECT user_id, lead_id, transaction_id, unlocked_at
		FROM unlocked_leads WHERE user_id = $1 AND lead_id = $2`, userID, leadID,
	).Scan(&u.UserID, &u.LeadID, &u.TransactionID, &u.UnlockedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unlock: %w", err)
	}
	return u, nil
}

func (p *PostgresStore) ListUnlocked(ctx context.Context, userID string, limit int) ([]*UnlockedLead, error) {
	rows, err := txn.Q(ctx, p.db).QueryContext(ctx, `
		SELECT user_id, lead_id, transaction_id, unlocked_at
		FROM unlocked_leads WHERE user_id = $1
		ORDER BY unlocked_at DESC
		LIMIT $2`, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unlocks: %w", err)
	}
	defer rows.Close()

	var out []*UnlockedLead
	for rows.Next() {
		u := &UnlockedLead{}
		if err := rows.Scan(&u.UserID, &u.LeadID, &u.TransactionID, &u.UnlockedAt); err != nil {
			return nil, fmt.Errorf("failed to scan unlock: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
