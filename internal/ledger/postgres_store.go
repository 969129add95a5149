package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hearthhq/hearth/internal/txn"
)

// PostgresStore implements Store with PostgreSQL. Schema lives in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const transactionColumns = `id, user_id, amount_minor_units, gross_minor_units, currency, kind,
		       external_event_id, reference, status, created_at, settled_at`

// lockAccount creates the account row if needed and locks it for the rest of the transaction.
func lockAccount(ctx context.Context, q txn.Querier, userID string) (int64, error) {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO wallet_accounts (user_id, balance_minor_units, updated_at)
		VALUES ($1, 0, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return 0, fmt.Errorf("failed to ensure account: %w", err)
	}

	var balance int64
	if err := q.QueryRowContext(ctx, `
		SELECT balance_minor_units FROM wallet_accounts WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to lock account: %w", err)
	}
	return balance, nil
}

func applyDelta(ctx context.Context, q txn.Querier, userID string, delta int64) error {
	if _, err := q.ExecContext(ctx, `
		UPDATE wallet_accounts
		SET balance_minor_units = balance_minor_units + $2, updated_at = NOW()
		WHERE user_id = $1
	`, userID, delta); err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

// Append inserts the row and applies its delta under the account's row lock.
func (p *PostgresStore) Append(ctx context.Context, tx *Transaction) error {
	return txn.WithTx(ctx, p.db, func(q txn.Querier) error {
		balance, err := lockAccount(ctx, q, tx.UserID)
		if err != nil {
			return err
		}

		if tx.ExternalEventID != "" {
			var exists bool
			if err := q.QueryRowContext(ctx, `
				SELECT EXISTS(SELECT 1 FROM ledger_transactions WHERE external_event_id = $1)
			`, tx.ExternalEventID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check external event: %w", err)
			}
			if exists {
				return ErrDuplicateEvent
			}
		}

		if tx.Status == StatusCompleted && balance+tx.Amount < 0 {
			return ErrInsufficientBalance
		}

		// A concurrent insert of the same event id blocks on the unique index and
		// then conflicts, so the RETURNING row is the authoritative dedup check.
		var id string
		err = q.QueryRowContext(ctx, `
			INSERT INTO ledger_transactions (
				id, user_id, amount_minor_units, gross_minor_units, currency, kind,
				external_event_id, reference, status, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (external_event_id) WHERE external_event_id IS NOT NULL DO NOTHING
			RETURNING id`,
			tx.ID, tx.UserID, tx.Amount, tx.Gross, tx.Currency, string(tx.Kind),
			nullString(tx.ExternalEventID), nullString(tx.Reference), string(tx.Status), tx.CreatedAt,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDuplicateEvent
		}
		if err != nil {
			return fmt.Errorf("failed to insert transaction: %w", err)
		}

		if tx.Status == StatusCompleted && tx.Amount != 0 {
			return applyDelta(ctx, q, tx.UserID, tx.Amount)
		}
		return nil
	})
}

// Settle locks the PENDING row and its account, then applies the delta when completing.
func (p *PostgresStore) Settle(ctx context.Context, id string, status Status) (*Transaction, error) {
	var settled *Transaction
	err := txn.WithTx(ctx, p.db, func(q txn.Querier) error {
		tx, err := scanTransaction(q.QueryRowContext(ctx,
			`SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTransactionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load transaction: %w", err)
		}
		if tx.Status == status {
			settled = tx
			return nil
		}
		if tx.Status != StatusPending {
			return ErrImmutable
		}

		if status == StatusCompleted {
			balance, err := lockAccount(ctx, q, tx.UserID)
			if err != nil {
				return err
			}
			if balance+tx.Amount < 0 {
				return ErrInsufficientBalance
			}
			if tx.Amount != 0 {
				if err := applyDelta(ctx, q, tx.UserID, tx.Amount); err != nil {
					return err
				}
			}
		}

		now := time.Now().UTC()
		if _, err := q.ExecContext(ctx, `
			UPDATE ledger_transactions SET status = $2, settled_at = $3 WHERE id = $1
		`, id, string(status), now); err != nil {
			return fmt.Errorf("failed to settle transaction: %w", err)
		}
		tx.Status = status
		tx.SettledAt = &now
		settled = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settled, nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	acct := &Account{UserID: userID}
	err := txn.Q(ctx, p.db).QueryRowContext(ctx, `
		SELECT balance_minor_units, updated_at FROM wallet_accounts WHERE user_id = $1
	`, userID).Scan(&acct.Balance, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Account{UserID: userID, UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	tx, err := scanTransaction(txn.Q(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) GetByExternalID(ctx context.Context, externalEventID string) (*Transaction, error) {
	tx, err := scanTransaction(txn.Q(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions WHERE external_event_id = $1`, externalEventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) History(ctx context.Context, q HistoryQuery) ([]*Transaction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if q.BeforeAt.IsZero() {
		rows, err = txn.Q(ctx, p.db).QueryContext(ctx, `
			SELECT `+transactionColumns+` FROM ledger_transactions
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, q.UserID, q.Limit)
	} else {
		rows, err = txn.Q(ctx, p.db).QueryContext(ctx, `
			SELECT `+transactionColumns+` FROM ledger_transactions
			WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, q.UserID, q.BeforeAt, q.BeforeID, q.Limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SumCompleted(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := txn.Q(ctx, p.db).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_minor_units), 0)
		FROM ledger_transactions
		WHERE user_id = $1 AND status = 'COMPLETED'
	`, userID).Scan(&sum)
	return sum, err
}

func (p *PostgresStore) ListAccounts(ctx context.Context, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := txn.Q(ctx, p.db).QueryContext(ctx, `
		SELECT user_id, balance_minor_units, updated_at
		FROM wallet_accounts ORDER BY user_id LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Account
	for rows.Next() {
		acct := &Account{}
		if err := rows.Scan(&acct.UserID, &acct.Balance, &acct.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, acct)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		kind, status string
		externalID   sql.NullString
		reference    sql.NullString
		settledAt    sql.NullTime
	)
	if err := s.Scan(
		&tx.ID, &tx.UserID, &tx.Amount, &tx.Gross, &tx.Currency, &kind,
		&externalID, &reference, &status, &tx.CreatedAt, &settledAt,
	); err != nil {
		return nil, err
	}
	tx.Kind = Kind(kind)
	tx.Status = Status(status)
	tx.ExternalEventID = externalID.String
	tx.Reference = reference.String
	if settledAt.Valid {
		t := settledAt.Time
		tx.SettledAt = &t
	}
	return tx, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
