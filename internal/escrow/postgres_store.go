package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hearthhq/hearth/internal/ledger"
	"github.com/hearthhq/hearth/internal/txn"
)

// PostgresStore persists holds in PostgreSQL. Schema lives in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed hold store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const holdColumns = `id, subject_type, subject_id, payer_id, payee_id, kind,
		       amount_minor_units, refunded_minor_units, currency, provider_reference,
		       lead_id, status, created_at, updated_at, resolved_at`

// Create relies on the partial unique index over (subject_type, subject_id)
// for unresolved holds: a losing concurrent insert conflicts and returns no row.
func (p *PostgresStore) Create(ctx context.Context, h *Hold) error {
	var id string
	err := txn.Q(ctx, p.db).QueryRowContext(ctx, `
		INSERT INTO escrow_holds (
			id, subject_type, subject_id, payer_id, payee_id, kind,
			amount_minor_units, refunded_minor_units, currency, provider_reference,
			lead_id, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		h.ID, string(h.SubjectType), h.SubjectID, h.PayerID, nullString(h.PayeeID), string(h.Kind),
		h.Amount, h.Refunded, h.Currency, nullString(h.ProviderReference),
		nullString(h.LeadID), string(h.Status), h.CreatedAt, h.UpdatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrHoldAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert hold: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Hold, error) {
	return p.getOne(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1`, id)
}

func (p *PostgresStore) GetForUpdate(ctx context.Context, id string) (*Hold, error) {
	return p.getOne(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1 FOR UPDATE`, id)
}

func (p *PostgresStore) FindByProviderRef(ctx context.Context, ref string) (*Hold, error) {
	return p.getOne(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE provider_reference = $1`, ref)
}

func (p *PostgresStore) getOne(ctx context.Context, query string, arg string) (*Hold, error) {
	h, err := scanHold(txn.Q(ctx, p.db).QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load hold: %w", err)
	}
	return h, nil
}

func (p *PostgresStore) SetProviderReference(ctx context.Context, id, ref string) error {
	result, err := txn.Q(ctx, p.db).ExecContext(ctx, `
		UPDATE escrow_holds SET provider_reference = $2, updated_at = NOW()
		WHERE id = $1`, id, ref)
	if err != nil {
		return fmt.Errorf("failed to set provider reference: %w", err)
	}
	return requireRow(result)
}

func (p *PostgresStore) Update(ctx context.Context, h *Hold) error {
	result, err := txn.Q(ctx, p.db).ExecContext(ctx, `
		UPDATE escrow_holds SET
			status = $2, refunded_minor_units = $3, provider_reference = $4,
			updated_at = $5, resolved_at = $6
		WHERE id = $1`,
		h.ID, string(h.Status), h.Refunded, nullString(h.ProviderReference),
		h.UpdatedAt, nullTime(h.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update hold: %w", err)
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrHoldNotFound
	}
	return nil
}

func (p *PostgresStore) ListBySubject(ctx context.Context, subjectType SubjectType, subjectID string) ([]*Hold, error) {
	return p.list(ctx, `
		SELECT `+holdColumns+`
		FROM escrow_holds
		WHERE subject_type = $1 AND subject_id = $2
		ORDER BY created_at DESC, id DESC`, string(subjectType), subjectID)
}

func (p *PostgresStore) ListByPayer(ctx context.Context, payerID string, limit int) ([]*Hold, error) {
	return p.list(ctx, `
		SELECT `+holdColumns+`
		FROM escrow_holds
		WHERE payer_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, payerID, limit)
}

func (p *PostgresStore) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Hold, error) {
	return p.list(ctx, `
		SELECT `+holdColumns+`
		FROM escrow_holds
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`, string(status), before, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Hold, error) {
	rows, err := txn.Q(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list holds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanHold(s scanner) (*Hold, error) {
	h := &Hold{}
	var (
		subjectType string
		kind        string
		status      string
		payeeID     sql.NullString
		providerRef sql.NullString
		leadID      sql.NullString
		resolvedAt  sql.NullTime
	)

	err := s.Scan(
		&h.ID, &subjectType, &h.SubjectID, &h.PayerID, &payeeID, &kind,
		&h.Amount, &h.Refunded, &h.Currency, &providerRef,
		&leadID, &status, &h.CreatedAt, &h.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	h.SubjectType = SubjectType(subjectType)
	h.Kind = ledger.Kind(kind)
	h.Status = Status(status)
	h.PayeeID = payeeID.String
	h.ProviderReference = providerRef.String
	h.LeadID = leadID.String
	if resolvedAt.Valid {
		h.ResolvedAt = &resolvedAt.Time
	}
	return h, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
